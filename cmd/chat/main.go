// Command chat runs the symptom conversation in a terminal against a symptom
// checker backend.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"symptom-chat/internal/chat"
	"symptom-chat/internal/checker"
	"symptom-chat/internal/config"
	"symptom-chat/internal/report"
	"symptom-chat/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	baseURL := flag.String("backend", cfg.CheckerBaseURL, "symptom checker base URL")
	lang := flag.String("lang", cfg.DefaultLanguage, "reply language (en, hi, ta)")
	persist := flag.Bool("persist", false, "save the transcript to the backend chat history")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logs go to stderr so they never interleave with the conversation.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel)
	client := checker.NewClient(*baseURL,
		checker.WithTimeout(cfg.CheckerTimeout),
		checker.WithSessionCookie(cfg.CheckerSessionCookie),
		checker.WithLogger(logger),
	)

	var recorder chat.Recorder
	if *persist {
		recorder = client
	}
	ctrl := chat.NewController(client, client, recorder,
		chat.WithLogger(logger),
		chat.WithLanguage(*lang),
		chat.WithThinkingDelay(cfg.ThinkingDelay),
		chat.WithPersistTimeout(cfg.PersistTimeout),
	)
	reports := report.NewService(client, report.NewRenderer(cfg.ReportFontPath, *lang), nil, 0, logger)

	r := &repl{ctrl: ctrl, reports: reports, in: os.Stdin, out: os.Stdout}
	if err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "chat:", err)
		ctrl.Wait()
		os.Exit(1)
	}
	ctrl.Wait()
}

type repl struct {
	ctrl    *chat.Controller
	reports *report.Service
	in      io.Reader
	out     io.Writer
	now     func() time.Time
}

func (r *repl) run(ctx context.Context) error {
	if r.now == nil {
		r.now = time.Now
	}
	unsubscribe := r.ctrl.Subscribe(func(o chat.Outcome) {
		if o.Message != "" {
			fmt.Fprintf(r.out, "bot> %s\n", o.Message)
		}
	})
	defer unsubscribe()

	fmt.Fprintf(r.out, "bot> %s\n", chat.Greeting())
	fmt.Fprintln(r.out, "     (commands: /lang <code>, /report [file], /quit)")

	lines, scanErr := r.readLines()
	for {
		fmt.Fprint(r.out, "you> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return <-scanErr
			}
			line = strings.TrimSpace(l)
		}

		if cmd, ok := strings.CutPrefix(line, "/"); ok {
			if done := r.command(ctx, cmd); done {
				return nil
			}
			continue
		}

		out := r.ctrl.SubmitUtterance(ctx, line)
		if err := ctx.Err(); err != nil {
			return err
		}
		if out.Terminal() {
			if out.Prediction != nil {
				fmt.Fprintln(r.out, "bot> Type /report to save this diagnosis as a PDF.")
			}
			fmt.Fprintln(r.out, "bot> Tell me new symptoms to start another check.")
		}
	}
}

// readLines scans the input on its own goroutine so a blocked read never holds
// up cancellation. The error channel yields once lines is closed.
func (r *repl) readLines() (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

// command runs a slash command and reports whether the session should end.
func (r *repl) command(ctx context.Context, cmd string) bool {
	name, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit":
		return true
	case "lang":
		if arg == "" {
			fmt.Fprintf(r.out, "bot> Language is %s.\n", r.ctrl.Language())
			return false
		}
		r.ctrl.SetLanguage(arg)
		fmt.Fprintf(r.out, "bot> Language set to %s.\n", r.ctrl.Language())
	case "report":
		r.saveReport(ctx, arg)
	default:
		fmt.Fprintf(r.out, "bot> Unknown command /%s.\n", name)
	}
	return false
}

func (r *repl) saveReport(ctx context.Context, path string) {
	prediction := r.ctrl.LastPrediction()
	if prediction == nil {
		fmt.Fprintln(r.out, "bot> There is no diagnosis to report yet.")
		return
	}
	if path == "" {
		path = report.FileName(r.now())
	}

	data, err := r.reports.Generate(ctx, "Guest", prediction)
	if err != nil {
		fmt.Fprintf(r.out, "bot> Could not generate the report: %v.\n", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(r.out, "bot> Could not save the report: %v.\n", err)
		return
	}
	fmt.Fprintf(r.out, "bot> Report saved to %s.\n", path)
}
