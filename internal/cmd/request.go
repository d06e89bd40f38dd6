package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pincer-org/restgate/internal/observability"
	"github.com/pincer-org/restgate/internal/output"
	"github.com/pincer-org/restgate/internal/rest"
)

var (
	requestData        string
	requestQuery       []string
	requestHeaders     []string
	requestContentType string
	requestTTL         int
	requestRepeat      int
	requestConcurrency int
	requestOutput      string
	requestOut         string
)

var requestMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

var requestCmd = &cobra.Command{
	Use:   "request METHOD PATH",
	Short: "Send a request through the rate gate",
	Long: `Send one or more requests through the rate gate and retry pipeline.

PATH is relative to the API root, for example channels/123/messages.
--data accepts a literal body, @file, or - for stdin. Repeated requests
share one gate, so --repeat with --concurrency exercises bucket limits.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := strings.ToUpper(strings.TrimSpace(args[0]))
		if !requestMethods[method] {
			return fmt.Errorf("unsupported method: %s", args[0])
		}
		if requestRepeat < 1 || requestConcurrency < 1 {
			return fmt.Errorf("--repeat and --concurrency must be at least 1")
		}
		format, err := output.ParseFormat(requestOutput)
		if err != nil {
			return err
		}

		call, err := buildCall(method, args[1], cmd.InOrStdin())
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := openPipeline(cmd.Context(), cfg, observability.CLILogger, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				observability.CLILogger.Warn("Failed to close pipeline", zap.Error(err))
			}
		}()

		outcomes, failed := runCalls(cmd.Context(), p.client, call, requestRepeat, requestConcurrency)

		rendered, err := output.FormatRequests(format, outcomes)
		if err != nil {
			return err
		}
		sink, err := openSink(requestOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()
		if _, err := io.WriteString(sink.writer, rendered); err != nil {
			return err
		}
		return failed
	},
}

// buildCall assembles the call shared by every repetition.
func buildCall(method, path string, stdin io.Reader) (rest.Call, error) {
	call := rest.Call{
		Method:      method,
		Path:        path,
		ContentType: requestContentType,
	}

	body, err := readData(requestData, stdin)
	if err != nil {
		return call, err
	}
	if len(body) > 0 {
		call.Body = body
	}

	for _, raw := range requestHeaders {
		key, value, ok := strings.Cut(raw, ":")
		if !ok {
			key, value, ok = strings.Cut(raw, "=")
		}
		if !ok || strings.TrimSpace(key) == "" {
			return call, fmt.Errorf("invalid header %q (want Name: value)", raw)
		}
		rest.WithHeader(strings.TrimSpace(key), strings.TrimSpace(value))(&call)
	}

	values := map[string][]string{}
	for _, raw := range requestQuery {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			return call, fmt.Errorf("invalid query %q (want key=value)", raw)
		}
		values[key] = append(values[key], value)
	}
	for key, v := range values {
		if len(v) == 1 {
			rest.WithQuery(key, v[0])(&call)
		} else {
			rest.WithQuery(key, v)(&call)
		}
	}

	if requestTTL > 0 {
		rest.WithTTL(requestTTL)(&call)
	}
	return call, nil
}

func readData(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "":
		return nil, nil
	case data == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(data, "@"):
		return os.ReadFile(strings.TrimPrefix(data, "@"))
	default:
		return []byte(data), nil
	}
}

// runCalls issues call repeat times with at most concurrency in flight.
// The returned error is the first failure, or nil.
func runCalls(ctx context.Context, client *rest.Client, call rest.Call, repeat, concurrency int) ([]output.RequestOutcome, error) {
	outcomes := make([]output.RequestOutcome, repeat)
	errs := make([]error, repeat)

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := 0; i < repeat; i++ {
		g.Go(func() error {
			start := time.Now()
			result, err := client.Do(ctx, call)
			outcome := output.RequestOutcome{Index: i + 1, DurationMs: time.Since(start).Milliseconds()}
			if err != nil {
				outcome.Error = err.Error()
				outcome.StatusCode = rest.StatusCodeOf(err)
				errs[i] = err
			} else {
				outcome.StatusCode = result.StatusCode
				outcome.Bytes = len(result.Body)
				outcome.Data = result.Data
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

func init() {
	rootCmd.AddCommand(requestCmd)

	f := requestCmd.Flags()
	f.StringVarP(&requestData, "data", "d", "", "request body: literal, @file, or - for stdin")
	f.StringArrayVarP(&requestQuery, "query", "q", nil, "query parameter key=value (repeatable)")
	f.StringArrayVarP(&requestHeaders, "header", "H", nil, "extra header 'Name: value' (repeatable)")
	f.StringVar(&requestContentType, "content-type", "", "Content-Type (default application/json)")
	f.IntVar(&requestTTL, "ttl", 0, "attempt budget for this request (default api.max_retries)")
	f.IntVar(&requestRepeat, "repeat", 1, "number of times to send the request")
	f.IntVar(&requestConcurrency, "concurrency", 1, "maximum requests in flight")
	f.StringVarP(&requestOutput, "output-format", "o", string(output.FormatJSON), "output format: json|yaml|table|markdown")
	f.StringVar(&requestOut, "out", "", "write output to a file (default stdout)")
}
