package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"picgo/checkpoint"
	"picgo/core"
	"picgo/logging"
	"picgo/sdruntime"
)

const (
	// DefaultEndpoint is the model registry base URL.
	DefaultEndpoint = "https://huggingface.co"

	sdxlBaseRepo     = "stabilityai/stable-diffusion-xl-base-1.0"
	sdxlBaseRevision = "462165984030d82259a11f4367a4eed129e94a7b"

	variantPlaceholder = "{variant}"
	lockFileName       = ".picgo.lock"
	snapshotRevision   = "main"
)

// ComponentSource is a pinned registry snapshot that supplies missing
// components for one family. File names may contain "{variant}".
type ComponentSource struct {
	Repo     string
	Revision string
	Files    map[checkpoint.Component][]string
}

func textEncoderFiles(dir string) []string {
	return []string{dir + "/config.json", dir + "/model{variant}.safetensors"}
}

func tokenizerFiles(dir string) []string {
	return []string{dir + "/vocab.json", dir + "/merges.txt", dir + "/special_tokens_map.json", dir + "/tokenizer_config.json"}
}

func modelFiles(dir string) []string {
	return []string{dir + "/config.json", dir + "/diffusion_pytorch_model{variant}.safetensors"}
}

// DefaultComponentSources returns the built-in canonical sources.
func DefaultComponentSources() map[checkpoint.Family]ComponentSource {
	return map[checkpoint.Family]ComponentSource{
		checkpoint.FamilyLarge: {
			Repo:     sdxlBaseRepo,
			Revision: sdxlBaseRevision,
			Files: map[checkpoint.Component][]string{
				checkpoint.ComponentTextEncoder:  textEncoderFiles("text_encoder"),
				checkpoint.ComponentTextEncoder2: textEncoderFiles("text_encoder_2"),
				checkpoint.ComponentTokenizer:    tokenizerFiles("tokenizer"),
				checkpoint.ComponentTokenizer2:   tokenizerFiles("tokenizer_2"),
				checkpoint.ComponentVAE:          modelFiles("vae"),
				checkpoint.ComponentScheduler:    {"scheduler/scheduler_config.json"},
			},
		},
	}
}

// ComponentSourcesFromConfig merges configured overrides over the defaults.
// Override keys are family names; component keys are component names. A
// family override keeps the default file layout for components it does not list.
func ComponentSourcesFromConfig(overrides map[string]core.RepairSource) (map[checkpoint.Family]ComponentSource, error) {
	sources := DefaultComponentSources()
	for name, rs := range overrides {
		family := checkpoint.Family(name)
		if family != checkpoint.FamilyLarge && family != checkpoint.FamilySmall {
			return nil, core.ErrRepairCatalog("PICGO_CONFIG", fmt.Errorf("unknown family %q", name))
		}
		src := ComponentSource{Repo: rs.Repo, Revision: rs.Revision, Files: map[checkpoint.Component][]string{}}
		for c, files := range sources[family].Files {
			src.Files[c] = files
		}
		for comp, files := range rs.Components {
			c := checkpoint.Component(comp)
			if c == checkpoint.ComponentUNet {
				return nil, core.ErrRepairCatalog("PICGO_CONFIG", fmt.Errorf("%s: the unet cannot be a repair component", name))
			}
			src.Files[c] = files
		}
		sources[family] = src
	}
	return sources, nil
}

// Fetcher downloads repair components and registry snapshots into the
// model cache. Concurrent processes are serialized by a file lock.
type Fetcher struct {
	endpoint    string
	cacheDir    string
	sources     map[checkpoint.Family]ComponentSource
	downloader  *core.Downloader
	logger      *zap.Logger
	lockRetry   time.Duration
	onComponent func(checkpoint.Component)
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithEndpoint sets the registry base URL.
func WithEndpoint(endpoint string) FetcherOption {
	return func(f *Fetcher) {
		if endpoint != "" {
			f.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithSources replaces the component source catalog.
func WithSources(sources map[checkpoint.Family]ComponentSource) FetcherOption {
	return func(f *Fetcher) { f.sources = sources }
}

// WithDownloader sets the HTTP downloader.
func WithDownloader(d *core.Downloader) FetcherOption {
	return func(f *Fetcher) { f.downloader = d }
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(l *zap.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = logging.OrNop(l) }
}

// WithComponentHook is called before each component is fetched.
func WithComponentHook(fn func(checkpoint.Component)) FetcherOption {
	return func(f *Fetcher) { f.onComponent = fn }
}

// NewFetcher creates a Fetcher writing under cacheDir.
func NewFetcher(cacheDir string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		endpoint:   DefaultEndpoint,
		cacheDir:   cacheDir,
		sources:    DefaultComponentSources(),
		downloader: core.NewDownloader(&http.Client{Timeout: 30 * time.Minute}),
		logger:     zap.NewNop(),
		lockRetry:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// snapshotDir is where files of repo at revision are stored.
func (f *Fetcher) snapshotDir(repo, revision string) string {
	return filepath.Join(f.cacheDir, "models--"+strings.ReplaceAll(repo, "/", "--"), revision)
}

func (f *Fetcher) fileURL(repo, revision, file string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", f.endpoint, repo, revision, file)
}

func (f *Fetcher) lock(ctx context.Context) (*flock.Flock, error) {
	if err := os.MkdirAll(f.cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create model cache: %w", err)
	}
	fl := flock.New(filepath.Join(f.cacheDir, lockFileName))
	ok, err := fl.TryLockContext(ctx, f.lockRetry)
	if err != nil {
		return nil, fmt.Errorf("lock model cache: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock model cache: not acquired")
	}
	return fl, nil
}

// Fetch downloads components for family at the given precision and returns
// the directory of each component.
func (f *Fetcher) Fetch(ctx context.Context, family checkpoint.Family, components []checkpoint.Component, precision sdruntime.Precision) (map[checkpoint.Component]string, error) {
	src, ok := f.sources[family]
	if !ok {
		return nil, fmt.Errorf("no repair source for %s", family.Label())
	}

	fl, err := f.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	root := f.snapshotDir(src.Repo, src.Revision)
	out := make(map[checkpoint.Component]string, len(components))
	for _, c := range components {
		files, ok := src.Files[c]
		if !ok || len(files) == 0 {
			return nil, fmt.Errorf("repair source %s has no files for %s", src.Repo, c)
		}
		if f.onComponent != nil {
			f.onComponent(c)
		}
		f.logger.Info("Fetching missing component",
			zap.String("component", string(c)),
			zap.String("repo", src.Repo),
			zap.String("revision", src.Revision),
			zap.String("precision", string(precision)))

		for _, file := range files {
			if err := f.fetchFile(ctx, src.Repo, src.Revision, root, file, precision); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", c, err)
			}
		}
		out[c] = filepath.Join(root, filepath.FromSlash(path.Dir(files[0])))
	}
	return out, nil
}

// fetchFile downloads one file. A missing precision variant falls back to
// the full-precision file; missing optional tokenizer files are skipped.
func (f *Fetcher) fetchFile(ctx context.Context, repo, revision, root, file string, precision sdruntime.Precision) error {
	name := strings.ReplaceAll(file, variantPlaceholder, precision.VariantSuffix())
	err := f.download(ctx, repo, revision, root, name)
	if err == nil {
		return nil
	}

	if isNotFound(err) {
		if strings.Contains(file, variantPlaceholder) && precision.VariantSuffix() != "" {
			f.logger.Info("Precision variant not published, using full-precision file", zap.String("file", name))
			return f.download(ctx, repo, revision, root, strings.ReplaceAll(file, variantPlaceholder, ""))
		}
		if isOptionalFile(file) {
			f.logger.Debug("Optional file not published", zap.String("file", name))
			return nil
		}
	}
	return err
}

func (f *Fetcher) download(ctx context.Context, repo, revision, root, name string) error {
	dest := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	fetched, err := f.downloader.Fetch(ctx, f.fileURL(repo, revision, name), dest, "")
	if err != nil {
		return err
	}
	if fetched {
		f.logger.Debug("Downloaded file", zap.String("file", name))
	}
	return nil
}

func isNotFound(err error) bool {
	var se *core.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

func isOptionalFile(file string) bool {
	base := path.Base(file)
	return base == "special_tokens_map.json" || base == "tokenizer_config.json"
}

// snapshotFolderFiles lists what to download for a snapshot sub-folder.
func snapshotFolderFiles(folder string) []string {
	switch {
	case folder == "unet" || folder == "vae":
		return modelFiles(folder)
	case strings.HasPrefix(folder, "text_encoder"):
		return textEncoderFiles(folder)
	case strings.HasPrefix(folder, "tokenizer"):
		return tokenizerFiles(folder)
	case folder == "scheduler":
		return []string{"scheduler/scheduler_config.json"}
	default:
		return nil
	}
}

// Snapshot downloads a registry model into the cache and returns its
// directory. The manifest decides which sub-folders are fetched; folders the
// runtime does not use (safety checker, feature extractor) are skipped.
func (f *Fetcher) Snapshot(ctx context.Context, repo string, precision sdruntime.Precision) (string, error) {
	fl, err := f.lock(ctx)
	if err != nil {
		return "", err
	}
	defer fl.Unlock()

	root := f.snapshotDir(repo, snapshotRevision)
	if err := f.download(ctx, repo, snapshotRevision, root, checkpoint.ModelIndexFile); err != nil {
		return "", fmt.Errorf("fetch %s manifest: %w", repo, err)
	}
	mi, err := checkpoint.ReadModelIndex(root)
	if err != nil {
		return "", err
	}

	folders := mi.Folders()
	sort.Strings(folders)
	f.logger.Info("Fetching registry snapshot",
		zap.String("repo", repo),
		zap.String("pipeline", mi.ClassName),
		zap.Strings("folders", folders))

	for _, folder := range folders {
		for _, file := range snapshotFolderFiles(folder) {
			if err := f.fetchFile(ctx, repo, snapshotRevision, root, file, precision); err != nil {
				return "", fmt.Errorf("fetch %s/%s: %w", repo, folder, err)
			}
		}
	}
	return root, nil
}
