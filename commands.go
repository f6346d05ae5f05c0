package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"fyne.io/fyne/v2"
	fyneapp "fyne.io/fyne/v2/app"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"picgo/checkpoint"
	"picgo/core"
	"picgo/db"
	"picgo/device"
	"picgo/gui"
	"picgo/orchestrator"
	"picgo/sdruntime"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	headColor = color.New(color.FgCyan, color.Bold)
	dimColor  = color.New(color.FgHiBlack)
)

func printError(err error) {
	errColor.Fprintf(os.Stderr, "Error: %v\n", err)
}

// GUICmd opens the desktop window.
type GUICmd struct{}

func (c *GUICmd) Run(rc *runContext) error {
	if _, err := gui.EnsureModelDir(rc.cfg.ModelDir); err != nil {
		rc.logger.Warn("Model directory unavailable", zap.Error(err))
	}

	app, err := newApplication(rc.cfg, rc.logger, nil)
	if err != nil {
		return err
	}
	defer app.close()
	app.shutdown.Start()

	sel, err := device.ParseSelection(rc.cfg.Device)
	if err != nil {
		return err
	}

	a := fyneapp.NewWithID("io.picgo.desktop")
	w := gui.New(a, app.orch, gui.Options{
		ModelDir:       rc.cfg.ModelDir,
		NegativePrompt: rc.cfg.NegativePrompt,
		Device:         sel,
		PreviewSize:    rc.cfg.PreviewSize,
		Logger:         rc.logger.Zap().Named("gui"),
	})

	closed := make(chan struct{})
	go func() {
		select {
		case <-app.shutdown.Context().Done():
			fyne.Do(a.Quit)
		case <-closed:
		}
	}()
	w.Run()
	close(closed)

	// The window no longer reads events; drain them so Close can finish.
	go func() {
		for range app.orch.Events() {
		}
	}()
	return nil
}

// GenerateCmd loads a model and writes one image.
type GenerateCmd struct {
	Model    string `short:"m" required:"" help:"Checkpoint file or registry id (owner/name)."`
	Prompt   string `short:"p" required:"" help:"What to draw."`
	Negative string `short:"n" help:"What to avoid. Defaults to PICGO_NEGATIVE_PROMPT."`
	Device   string `short:"d" help:"Compute device (auto, cpu, gpu). Defaults to PICGO_DEVICE."`
	Out      string `short:"o" type:"path" default:"picgo.png" help:"Output PNG path."`
}

func (c *GenerateCmd) Run(rc *runContext) error {
	src, err := checkpoint.ParseSource(c.Model)
	if err != nil {
		return err
	}
	dev := c.Device
	if dev == "" {
		dev = rc.cfg.Device
	}
	sel, err := device.ParseSelection(dev)
	if err != nil {
		return err
	}

	progress := newDownloadProgress(os.Stderr)
	defer progress.Finish()

	app, err := newApplication(rc.cfg, rc.logger, progress.Update)
	if err != nil {
		return err
	}
	defer app.close()
	app.shutdown.Start()

	ctx := app.shutdown.Context()
	if _, err := app.orch.SetDevice(sel); err != nil {
		return err
	}
	ev, err := awaitEvent(ctx, app.orch)
	if err != nil {
		return err
	}
	if ev.Notice != nil {
		warnColor.Printf("%s: %s\n", ev.Notice.Title, ev.Notice.Message)
	}
	dimColor.Printf("Device: %s\n", ev.Device)

	fmt.Printf("Loading %s...\n", src.DisplayName())
	if _, err := app.orch.Load(src); err != nil {
		return err
	}
	if ev, err = awaitEvent(ctx, app.orch); err != nil {
		return err
	}
	progress.Finish()
	if !ev.OK() {
		return fmt.Errorf("model loading failed:\n%s", ev.Load.Detail)
	}
	okColor.Printf("Loaded: %s (%s)\n", src.DisplayName(), ev.Load.Family.Label())
	if len(ev.Load.Repaired) > 0 {
		dimColor.Printf("Fetched missing components: %v\n", ev.Load.Repaired)
	}

	fmt.Println("Generating...")
	if _, err := app.orch.Generate(c.Prompt, c.Negative); err != nil {
		return err
	}
	if ev, err = awaitEvent(ctx, app.orch); err != nil {
		return err
	}
	if !ev.OK() {
		return errors.New(ev.Message)
	}
	return c.write(ev)
}

// awaitEvent waits for the next orchestrator event. An interrupt stops the
// wait but not the running task.
func awaitEvent(ctx context.Context, orch *orchestrator.Orchestrator) (orchestrator.Event, error) {
	select {
	case <-ctx.Done():
		go func() {
			for range orch.Events() {
			}
		}()
		return orchestrator.Event{}, core.ErrInterrupted
	case ev, ok := <-orch.Events():
		if !ok {
			return orchestrator.Event{}, orchestrator.ErrClosed
		}
		return ev, nil
	}
}

func (c *GenerateCmd) write(ev orchestrator.Event) error {
	res := ev.Result
	data := res.PNG
	if len(data) == 0 {
		var err error
		if data, err = sdruntime.EncodePNG(res.Image); err != nil {
			return err
		}
	}
	if err := os.WriteFile(c.Out, data, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	okColor.Printf("Saved %s (%dx%d, seed %d, %s)\n", c.Out, res.Width, res.Height, res.Seed, res.Duration.Round(100*time.Millisecond))
	return nil
}

// InspectCmd classifies a checkpoint without loading it.
type InspectCmd struct {
	Path string `arg:"" type:"existingfile" help:"Checkpoint file (.safetensors, .ckpt, .gguf)."`
}

func (c *InspectCmd) Run(rc *runContext) error {
	idx, err := checkpoint.ReadIndex(c.Path)
	if err != nil {
		return err
	}
	info, err := os.Stat(c.Path)
	if err != nil {
		return err
	}
	writeInspection(os.Stdout, c.Path, info.Size(), checkpoint.Inspect(idx))

	if ok, err := sdruntime.VerifyModelChecksum(c.Path); err == nil && ok {
		okColor.Println("Checksum matches the published release.")
	}
	return nil
}

func writeInspection(w io.Writer, path string, size int64, in checkpoint.Inspection) {
	headColor.Fprintf(w, "%s\n", path)
	fmt.Fprintf(w, "  format:   %s, %s tensors, %s\n", in.Format, humanize.Comma(int64(in.TensorCount)), humanize.IBytes(uint64(size)))

	if in.Family == checkpoint.FamilyUnknown {
		errColor.Fprintln(w, "  family:   unrecognized (neither SDXL nor SD1.x/2.x)")
		return
	}
	layout := "single file"
	if in.Diffusers {
		layout = "diffusers denoiser"
	}
	fmt.Fprintf(w, "  family:   %s, %s\n", in.Family.Label(), layout)
	fmt.Fprintf(w, "  contents: unet=%t vae=%t text_encoders=%d\n", in.HasUNet, in.HasVAE, in.TextEncoders)

	missing, err := in.MissingFor(in.Family)
	switch {
	case err != nil:
		errColor.Fprintf(w, "  status:   not loadable: %v\n", err)
	case len(missing) == 0:
		okColor.Fprintln(w, "  status:   complete")
	default:
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = string(m)
		}
		warnColor.Fprintf(w, "  status:   missing %s (fetched automatically on load)\n", strings.Join(names, ", "))
	}
}

// HistoryCmd prints recent history or prunes old rows.
type HistoryCmd struct {
	Limit int           `short:"n" default:"10" help:"Rows to show per table."`
	Prune time.Duration `help:"Delete events older than this (for example 720h) and exit."`
}

func (c *HistoryCmd) Run(rc *runContext) error {
	database, err := db.Open(rc.cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer database.Close()
	ctx := context.Background()

	if c.Prune > 0 {
		res, err := database.Cleanup(ctx, c.Prune)
		if err != nil {
			return err
		}
		okColor.Printf("Removed %s events (%d loads, %d generations) in %s\n",
			humanize.Comma(int64(res.Total())), res.LoadEventsDeleted, res.GenerationEventsDeleted, res.Duration.Round(time.Millisecond))
		return nil
	}

	repo := db.NewRepository(database, nil)
	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}
	loads, err := repo.RecentLoads(ctx, c.Limit)
	if err != nil {
		return err
	}
	gens, err := repo.RecentGenerations(ctx, c.Limit)
	if err != nil {
		return err
	}
	writeHistory(os.Stdout, stats, loads, gens)
	return nil
}

func writeHistory(w io.Writer, stats db.Stats, loads []db.LoadEvent, gens []db.GenerationEvent) {
	headColor.Fprintf(w, "Loads (%d, %d failed)\n", stats.Loads, stats.FailedLoads)
	for _, e := range loads {
		mark, clr := "ok  ", okColor
		if !e.Success {
			mark, clr = "FAIL", errColor
		}
		clr.Fprintf(w, "  %s ", mark)
		fmt.Fprintf(w, "%-14s %-6s %-7s %s", humanize.Time(e.At), e.Family, e.Device, e.Source)
		if len(e.Repaired) > 0 {
			fmt.Fprintf(w, " +%s", strings.Join(e.Repaired, ","))
		}
		fmt.Fprintln(w)
	}

	headColor.Fprintf(w, "Generations (%d, %d failed)\n", stats.Generations, stats.FailedGenerations)
	for _, e := range gens {
		if e.Status == db.StatusSuccess {
			okColor.Fprint(w, "  ok   ")
		} else {
			errColor.Fprint(w, "  FAIL ")
		}
		fmt.Fprintf(w, "%-14s %4dx%-4d %-7s %q", humanize.Time(e.At), e.Width, e.Height, e.Device, truncate(e.Prompt, 48))
		if e.ErrorCode != "" {
			fmt.Fprintf(w, " [%s]", e.ErrorCode)
		}
		fmt.Fprintln(w)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
