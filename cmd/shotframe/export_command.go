package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/koios/shotframe/internal/app"
	"github.com/koios/shotframe/internal/export"
	shotredis "github.com/koios/shotframe/internal/redis"
	"github.com/koios/shotframe/pkg/models"
	"github.com/spf13/cobra"
)

const (
	onTimeoutAsk    = "ask"
	onTimeoutRender = "render"
	onTimeoutAbort  = "abort"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var (
		hq        bool
		onTimeout string
		token     string
		queue     bool
		follow    bool
	)

	cmd := &cobra.Command{
		Use:   "export <request.json|request.yaml|->",
		Short: "Render, upload and bundle a screenshot set",
		Long: "Runs the whole export pipeline for a request document and waits until the\n" +
			"bundle is ready. With --queue the request is handed to the server through\n" +
			"its Redis stream instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req models.ExportRequest
			if err := readDocument(args[0], cmd.InOrStdin(), &req); err != nil {
				return err
			}
			req.HighQuality = req.HighQuality || hq
			if token != "" {
				req.Token = token
			}

			switch onTimeout {
			case onTimeoutAsk, onTimeoutAbort:
			case onTimeoutRender:
				req.RenderAnyway = true
			default:
				return fmt.Errorf("--on-timeout must be %s, %s or %s", onTimeoutAsk, onTimeoutRender, onTimeoutAbort)
			}

			a, err := ctx.ensureApp(cmd.Context())
			if err != nil {
				return err
			}
			if errs := ctx.validator(a.Catalog).ValidateExportRequest(req); len(errs) > 0 {
				return validationFailure(cmd.ErrOrStderr(), errs)
			}

			if queue {
				return enqueueExport(cmd, a, req, follow)
			}
			return runExport(cmd, a.Service, req, onTimeout)
		},
	}

	cmd.Flags().BoolVar(&hq, "hq", false, "Export high quality images")
	cmd.Flags().StringVar(&onTimeout, "on-timeout", onTimeoutAsk, "What to do when images do not load: ask, render or abort")
	cmd.Flags().StringVar(&token, "token", "", "Download token; prints the archive URL when the bundle is ready")
	cmd.Flags().BoolVar(&queue, "queue", false, "Queue the request on the Redis stream instead of running it here")
	cmd.Flags().BoolVar(&follow, "follow", false, "With --queue, print status updates until the export finishes")
	return cmd
}

func runExport(cmd *cobra.Command, service *export.Service, req models.ExportRequest, onTimeout string) error {
	stderr := cmd.ErrOrStderr()
	progress := &progressPrinter{out: stderr}

	opts := []export.Option{export.WithWatcher(func(e *export.Export) {
		e.OnStatus(progress.print)
		if onTimeout == onTimeoutAsk {
			e.OnNotice(func(n export.Notice) {
				if n.Kind == export.NoticeImageLoadTimeout {
					go askDecision(cmd.InOrStdin(), stderr, e)
				}
			})
		}
	})}
	if onTimeout == onTimeoutAbort {
		opts = append(opts, export.WithAutoDecision(export.DecisionAbort))
	}

	e, err := service.Run(cmd.Context(), req, opts...)
	if err != nil {
		return err
	}

	st := e.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Bundle %s ready: %d of %d images\n", st.BundleID, st.Uploaded, st.Total)
	if req.Token != "" {
		url, err := e.DownloadURL(cmd.Context(), req.Token)
		if err != nil {
			return fmt.Errorf("download url: %w", err)
		}
		fmt.Fprintln(out, url)
	}
	return nil
}

func askDecision(in io.Reader, out io.Writer, e *export.Export) {
	fmt.Fprint(out, "Some images are not loading. Render anyway? [y/N]: ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	d := export.DecisionAbort
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		d = export.DecisionRenderAnyway
	}
	if err := e.Decide(d); err != nil {
		fmt.Fprintf(out, "Decision ignored: %v\n", err)
	}
}

func enqueueExport(cmd *cobra.Command, a *app.App, req models.ExportRequest, follow bool) error {
	if a.Redis == nil {
		return errors.New("--queue needs REDIS_ENABLED=true")
	}
	client, err := shotredis.NewClient(cmd.Context(), a.Redis, a.Config.Redis, a.Logger)
	if err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// Subscribe first so no update slips past between enqueue and follow.
	ctx := cmd.Context()
	pubsub := client.SubscribeStatus(ctx, req.ID)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to status: %w", err)
	}

	msgID, err := client.EnqueueRequest(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued export %s (message %s)\n", req.ID, msgID)
	if !follow {
		return nil
	}

	progress := &progressPrinter{out: cmd.ErrOrStderr()}
	updates := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return errors.New("status subscription closed")
			}
			var st models.ExportStatus
			if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil {
				continue
			}
			progress.print(st)
			switch export.State(st.State) {
			case export.StateReady:
				fmt.Fprintf(cmd.OutOrStdout(), "Bundle %s ready: %d of %d images\n", st.BundleID, st.Uploaded, st.Total)
				return nil
			case export.StateFailed, export.StateAborted:
				return fmt.Errorf("export %s %s: %s", st.ID, st.State, st.Error)
			}
		}
	}
}

// progressPrinter writes one line per state or sub-status change.
type progressPrinter struct {
	out io.Writer

	mu   sync.Mutex
	last string
}

func (p *progressPrinter) print(st models.ExportStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := st.State
	if st.SubStatus != "" {
		line += ": " + st.SubStatus
	}
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintf(p.out, "[%s] %s\n", percent(st.Progress), line)
}
