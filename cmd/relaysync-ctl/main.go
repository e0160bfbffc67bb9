package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/syncctl"
)

const usage = `usage: relaysync-ctl <command> [flags]

commands:
  start      register a job and start syncing it
  status     show the stored state of a job
  stalled    list stalled and dead-lettered jobs
  redeliver  fire a fresh continuation for a stalled job
  watch      stream progress events
  token      mint a bearer token for the control API
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runCLI(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type commonFlags struct {
	baseURL     *string
	token       *string
	integration *string
	timeout     *time.Duration
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		baseURL:     fs.String("base-url", envOrDefault("RELAYSYNC_BASE_URL", "http://127.0.0.1:8080"), "relaysync base URL"),
		token:       fs.String("token", strings.TrimSpace(os.Getenv("RELAYSYNC_TOKEN")), "bearer token"),
		integration: fs.String("integration", strings.TrimSpace(os.Getenv("RELAYSYNC_INTEGRATION")), "integration name"),
		timeout:     fs.Duration("timeout", durationEnv("RELAYSYNC_CTL_TIMEOUT", 5*time.Minute), "request timeout"),
	}
}

func (c commonFlags) client() (*syncctl.Client, error) {
	if strings.TrimSpace(*c.token) == "" {
		return nil, errors.New("token is required (--token or RELAYSYNC_TOKEN)")
	}
	if strings.TrimSpace(*c.integration) == "" {
		return nil, errors.New("integration is required (--integration or RELAYSYNC_INTEGRATION)")
	}
	return syncctl.NewClient(*c.baseURL, *c.token, &http.Client{Timeout: *c.timeout}), nil
}

func runCLI(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, NoColor: true, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	command, rest := args[0], args[1:]
	fs := flag.NewFlagSet("relaysync-ctl "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var err error
	switch command {
	case "start":
		common := registerCommon(fs)
		jobID := fs.String("job", "", "job id")
		targetID := fs.String("target", "", "target id")
		runNow := fs.Bool("run", false, "run immediately even for webhook-started integrations")
		if fs.Parse(rest) != nil {
			return 2
		}
		err = withClient(common, func(client *syncctl.Client) error {
			result, err := client.StartSync(ctx, *common.integration, relaysync.StartRequest{JobID: *jobID, TargetID: *targetID, Run: *runNow})
			if err != nil {
				return err
			}
			return printResult(stdout, result)
		})
	case "status":
		common := registerCommon(fs)
		jobID := fs.String("job", "", "job id")
		if fs.Parse(rest) != nil {
			return 2
		}
		err = withClient(common, func(client *syncctl.Client) error {
			status, err := client.Status(ctx, *common.integration, *jobID)
			if err != nil {
				return err
			}
			return printJSON(stdout, status)
		})
	case "stalled":
		common := registerCommon(fs)
		if fs.Parse(rest) != nil {
			return 2
		}
		err = withClient(common, func(client *syncctl.Client) error {
			stalled, err := client.Stalled(ctx, *common.integration)
			if err != nil {
				return err
			}
			return printJSON(stdout, stalled)
		})
	case "redeliver":
		common := registerCommon(fs)
		jobID := fs.String("job", "", "job id")
		if fs.Parse(rest) != nil {
			return 2
		}
		err = withClient(common, func(client *syncctl.Client) error {
			result, err := client.Redeliver(ctx, *common.integration, *jobID)
			if err != nil {
				return err
			}
			return printResult(stdout, result)
		})
	case "watch":
		common := registerCommon(fs)
		jobID := fs.String("job", "", "only stream events for this job")
		reconnect := fs.Duration("reconnect", durationEnv("RELAYSYNC_CTL_RECONNECT", 2*time.Second), "delay before reconnecting")
		jitter := fs.Float64("reconnect-jitter", floatEnv("RELAYSYNC_CTL_RECONNECT_JITTER", 0.2), "reconnect jitter ratio (0.0-1.0)")
		if fs.Parse(rest) != nil {
			return 2
		}
		err = withClient(common, func(client *syncctl.Client) error {
			return watch(ctx, client, *common.integration, *jobID, *reconnect, *jitter, stdout, logger)
		})
	case "token":
		secret := fs.String("secret", strings.TrimSpace(os.Getenv("RELAYSYNC_SERVER_JWT_SECRET")), "jwt signing secret")
		subject := fs.String("subject", envOrDefault("USER", "operator"), "token subject")
		scopes := fs.String("scopes", httpapi.ScopeTrigger+","+httpapi.ScopeRead, "comma separated scopes")
		integrations := fs.String("integrations", "", "comma separated integrations (empty grants all)")
		ttl := fs.Duration("ttl", time.Hour, "token lifetime")
		if fs.Parse(rest) != nil {
			return 2
		}
		var signed string
		signed, err = httpapi.SignAccessToken(*secret, httpapi.NewAccessClaims(*subject, splitList(*scopes), splitList(*integrations), *ttl, time.Now()))
		if err == nil {
			fmt.Fprintln(stdout, signed)
		}
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}
	if err != nil {
		logger.Error().Err(err).Str("command", command).Msg("command failed")
		return 1
	}
	return 0
}

func withClient(common commonFlags, fn func(*syncctl.Client) error) error {
	client, err := common.client()
	if err != nil {
		return err
	}
	return fn(client)
}

func watch(ctx context.Context, client *syncctl.Client, integration, jobID string, reconnect time.Duration, jitter float64, stdout io.Writer, logger zerolog.Logger) error {
	if reconnect <= 0 {
		reconnect = 2 * time.Second
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	encoder := json.NewEncoder(stdout)
	for {
		err := client.TailProgress(ctx, integration, jobID, func(event relaysync.ProgressEvent) error {
			return encoder.Encode(event)
		})
		if ctx.Err() != nil {
			return nil
		}
		var httpErr *syncctl.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
			return err
		}
		delay := jitteredIntervalWithSample(reconnect, jitter, rng.Float64())
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("progress stream closed, reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func printResult(w io.Writer, result relaysync.ActionResult) error {
	if err := printJSON(w, result); err != nil {
		return err
	}
	if !result.Success {
		return errors.New(result.Message)
	}
	return nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
