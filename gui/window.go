// Package gui is the fyne desktop shell. It owns no model state; every
// operation is submitted to the orchestrator and results come back on its
// event channel.
package gui

import (
	"errors"
	"fmt"
	"image"
	"net/url"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/storage"
	"fyne.io/fyne/v2/widget"
	"go.uber.org/zap"

	"picgo/checkpoint"
	"picgo/device"
	"picgo/imagegen"
	"picgo/logging"
	"picgo/orchestrator"
	"picgo/sdruntime"
)

const civitaiURL = "https://civitai.com/models"

const helpText = `PicGo needs a Stable Diffusion checkpoint to generate images.

1. Download an SDXL or SD 1.5 checkpoint (.safetensors or .ckpt).
2. Put it in the model folder next to the program.
3. Click "Open Model" and pick the file.

SDXL checkpoints that ship without text encoders or VAE are completed
automatically from the official SDXL base release on first load.`

// Options configure the window.
type Options struct {
	ModelDir       string
	NegativePrompt string
	Device         device.Selection
	PreviewSize    int
	Logger         *zap.Logger
}

// Window is the main PicGo window.
type Window struct {
	app    fyne.App
	win    fyne.Window
	orch   *orchestrator.Orchestrator
	opts   Options
	logger *zap.Logger

	status       *canvas.Text
	deviceSelect *widget.Select
	prompt       *widget.Entry
	negative     *widget.Entry
	generateBtn  *widget.Button
	saveBtn      *widget.Button
	preview      *canvas.Image
	info         *widget.Label

	quit chan struct{}

	// UI-thread state
	model      string
	current    *imagegen.GenerationResult
	muteDevice bool
}

// New builds the window. Call Run to show it.
func New(a fyne.App, orch *orchestrator.Orchestrator, opts Options) *Window {
	if opts.PreviewSize <= 0 {
		opts.PreviewSize = imagegen.DefaultPreviewSize
	}
	if opts.Device == "" {
		opts.Device = device.SelectAuto
	}
	w := &Window{
		app:    a,
		win:    a.NewWindow("PicGo - Local AI Image Generator"),
		orch:   orch,
		opts:   opts,
		logger: logging.OrNop(opts.Logger),
		quit:   make(chan struct{}),
	}
	w.build()
	return w
}

func (w *Window) build() {
	w.status = canvas.NewText("", colorRed)
	w.status.TextStyle = fyne.TextStyle{Bold: true}
	w.setStatus(StatusFor(orchestrator.StateIdle, ""))

	openBtn := widget.NewButton("Open Model", w.openModel)
	registryBtn := widget.NewButton("From Registry", w.openRegistry)
	helpBtn := widget.NewButton("?", w.showHelp)

	w.deviceSelect = widget.NewSelect([]string{string(device.SelectAuto), string(device.SelectCPU), string(device.SelectGPU)}, w.deviceChanged)
	w.muteDevice = true
	w.deviceSelect.SetSelected(string(w.opts.Device))
	w.muteDevice = false

	w.prompt = widget.NewMultiLineEntry()
	w.prompt.SetPlaceHolder("Describe the image")
	w.prompt.SetMinRowsVisible(3)
	w.negative = widget.NewMultiLineEntry()
	w.negative.SetText(w.opts.NegativePrompt)
	w.negative.SetMinRowsVisible(2)

	w.generateBtn = widget.NewButton(generateText, w.generate)
	w.generateBtn.Importance = widget.HighImportance
	w.saveBtn = widget.NewButton("Save Image", w.save)
	w.saveBtn.Disable()

	size := float32(w.opts.PreviewSize)
	w.preview = canvas.NewImageFromImage(image.NewRGBA(image.Rect(0, 0, w.opts.PreviewSize, w.opts.PreviewSize)))
	w.preview.FillMode = canvas.ImageFillContain
	w.preview.SetMinSize(fyne.NewSize(size, size))
	w.info = widget.NewLabel("")

	modelRow := container.NewBorder(nil, nil, container.NewHBox(openBtn, registryBtn), helpBtn, w.status)
	deviceRow := container.NewHBox(widget.NewLabel("Device:"), w.deviceSelect)
	form := container.NewVBox(
		modelRow,
		deviceRow,
		widget.NewLabel("Prompt"),
		w.prompt,
		widget.NewLabel("Negative Prompt"),
		w.negative,
		container.NewGridWithColumns(2, w.generateBtn, w.saveBtn),
	)

	w.win.SetContent(container.NewBorder(form, w.info, nil, nil, w.preview))
	w.win.Resize(fyne.NewSize(size+80, size+360))
}

// Run shows the window and blocks until it is closed.
func (w *Window) Run() {
	go w.consume()

	w.app.Lifecycle().SetOnStarted(func() {
		if !sdruntime.NativeAvailable() {
			dialog.ShowError(errors.New("the stable-diffusion runtime is not linked into this build; models can be inspected but not run. Rebuild with -tags sd"), w.win)
		}
		w.submitDevice(device.Selection(w.deviceSelect.Selected))
	})
	w.win.ShowAndRun()
	close(w.quit)
}

// consume applies orchestrator events on the UI thread until the channel closes.
func (w *Window) consume() {
	events := w.orch.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			fyne.Do(func() { w.apply(ev) })
		case <-w.quit:
			return
		}
	}
}

func (w *Window) apply(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventLoad:
		w.applyLoad(ev)
	case orchestrator.EventGenerate:
		w.applyGenerate(ev)
	case orchestrator.EventDevice:
		w.applyDevice(ev)
	}
}

func (w *Window) applyLoad(ev orchestrator.Event) {
	if ev.OK() {
		w.model = ev.Load.Source
		if src, err := checkpoint.ParseSource(ev.Load.Source); err == nil {
			w.model = src.DisplayName()
		}
		w.setStatus(StatusFor(orchestrator.StateLoaded, w.model))
		if len(ev.Load.Repaired) > 0 {
			w.info.SetText(fmt.Sprintf("Added missing components: %v", ev.Load.Repaired))
		}
		return
	}
	w.setStatus(StatusFor(orchestrator.StateLoadFailed, w.model))
	detail := ev.Message
	if ev.Load != nil && ev.Load.Detail != "" {
		detail = ev.Load.Detail
	}
	dialog.ShowInformation("Load Failed", "Model loading failed:\n"+detail, w.win)
}

func (w *Window) applyGenerate(ev orchestrator.Event) {
	w.generateBtn.SetText(generateText)
	w.generateBtn.Enable()

	if w.model != "" {
		// A failed load keeps the previous pipeline, which just served this request.
		w.setStatus(StatusFor(orchestrator.StateLoaded, w.model))
	}
	if !ev.OK() {
		dialog.ShowInformation("Generation Error", ev.Message, w.win)
		return
	}
	res := ev.Result
	w.current = res
	w.preview.Image = res.Preview
	w.preview.Refresh()
	w.saveBtn.Enable()
	w.info.SetText(fmt.Sprintf("%dx%d  seed %d  %s  %s", res.Width, res.Height, res.Seed, res.Device, res.Duration.Round(100*time.Millisecond)))
}

func (w *Window) applyDevice(ev orchestrator.Event) {
	if ev.Notice != nil {
		dialog.ShowInformation(ev.Notice.Title, ev.Notice.Message, w.win)
		if !ev.Device.IsAccelerator() && w.deviceSelect.Selected == string(device.SelectGPU) {
			w.muteDevice = true
			w.deviceSelect.SetSelected(string(device.SelectCPU))
			w.muteDevice = false
		}
	}
	if ev.Err != nil {
		dialog.ShowInformation("Device Error", ev.Message, w.win)
		return
	}
	w.logger.Info("Device selected", zap.String("device", ev.Device.String()))
}

func (w *Window) setStatus(s Status) {
	w.status.Text = s.Text
	w.status.Color = s.Color
	w.status.Refresh()
}

func (w *Window) warn(err error) {
	dialog.ShowInformation("Warning", SubmitWarning(err), w.win)
}

func (w *Window) openModel() {
	d := dialog.NewFileOpen(func(r fyne.URIReadCloser, err error) {
		if err != nil {
			dialog.ShowError(err, w.win)
			return
		}
		if r == nil {
			return
		}
		path := r.URI().Path()
		_ = r.Close()
		w.load(checkpoint.LocalSource(path))
	}, w.win)
	d.SetFilter(storage.NewExtensionFileFilter([]string{".safetensors", ".ckpt"}))

	if dir, err := EnsureModelDir(w.opts.ModelDir); err != nil {
		w.logger.Warn("Model directory unavailable", zap.String("dir", w.opts.ModelDir), zap.Error(err))
	} else if lister, err := storage.ListerForURI(storage.NewFileURI(dir)); err == nil {
		d.SetLocation(lister)
	}
	d.Show()
}

func (w *Window) openRegistry() {
	entry := widget.NewEntry()
	entry.SetPlaceHolder("stabilityai/sdxl-turbo")
	items := []*widget.FormItem{widget.NewFormItem("Model id", entry)}
	dialog.ShowForm("Load From Registry", "Load", "Cancel", items, func(ok bool) {
		if !ok {
			return
		}
		src, err := checkpoint.ParseSource(entry.Text)
		if err != nil {
			dialog.ShowError(err, w.win)
			return
		}
		w.load(src)
	}, w.win)
}

func (w *Window) load(src checkpoint.Source) {
	if _, err := w.orch.Load(src); err != nil {
		w.warn(err)
		return
	}
	w.setStatus(StatusFor(orchestrator.StateLoading, ""))
}

func (w *Window) deviceChanged(value string) {
	if w.muteDevice || w.orch == nil {
		return
	}
	w.submitDevice(device.Selection(value))
}

func (w *Window) submitDevice(sel device.Selection) {
	if _, err := w.orch.SetDevice(sel); err != nil {
		w.warn(err)
	}
}

func (w *Window) generate() {
	if _, err := w.orch.Generate(w.prompt.Text, w.negative.Text); err != nil {
		w.warn(err)
		return
	}
	w.generateBtn.SetText(generatingText)
	w.generateBtn.Disable()
}

func (w *Window) save() {
	if w.current == nil {
		return
	}
	res := w.current
	d := dialog.NewFileSave(func(wc fyne.URIWriteCloser, err error) {
		if err != nil {
			dialog.ShowError(err, w.win)
			return
		}
		if wc == nil {
			return
		}
		defer wc.Close()

		data := res.PNG
		if len(data) == 0 {
			if data, err = sdruntime.EncodePNG(res.Image); err != nil {
				dialog.ShowError(err, w.win)
				return
			}
		}
		if _, err := wc.Write(data); err != nil {
			dialog.ShowError(err, w.win)
			return
		}
		dialog.ShowInformation("Saved", "Image saved to "+wc.URI().Path(), w.win)
	}, w.win)
	d.SetFilter(storage.NewExtensionFileFilter([]string{".png"}))
	d.SetFileName(fmt.Sprintf("picgo_%s.png", time.Now().Format("20060102_150405")))
	d.Show()
}

func (w *Window) showHelp() {
	link, _ := url.Parse(civitaiURL)
	content := container.NewVBox(
		widget.NewLabel(helpText),
		widget.NewHyperlink("Browse checkpoints on Civitai", link),
	)
	dialog.NewCustom("How to get a model", "Close", content, w.win).Show()
}
