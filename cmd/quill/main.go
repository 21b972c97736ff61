// quill: CLI for the quill highlight sync engine.
// Commands: status, sync, highlights, search, export, summarize, cache.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/crypto/argon2"
	"golang.org/x/term"

	"github.com/quillsync/quill/internal/cache"
	"github.com/quillsync/quill/internal/config"
	"github.com/quillsync/quill/internal/db"
	"github.com/quillsync/quill/internal/export"
	"github.com/quillsync/quill/internal/filter"
	"github.com/quillsync/quill/internal/highlight"
	"github.com/quillsync/quill/internal/logging"
	"github.com/quillsync/quill/internal/merge"
	"github.com/quillsync/quill/internal/model"
	"github.com/quillsync/quill/internal/ollama"
	"github.com/quillsync/quill/internal/query"
	syncpkg "github.com/quillsync/quill/internal/sync"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: quill <command> [args]

commands:
  status                 show sync and cache status
  sync <book-id>         run one sync cycle for a book
  watch                  run background sync until interrupted
  highlights <book-id>   list a book's synced highlights
                         (--color, --tag, --chapter, --noted, --min-importance)
  search <book-id> <q>   search a book's highlights
  export <book-id>       export highlights (--format md|json)
  summarize <book-id>    summarize highlights via ollama
  cache ls               list cached books
  cache pin <book-id>    pin a book (exempt from eviction)
  cache unpin <book-id>  unpin a book
  cache rm <book-id>     drop a book from the cache
  cache sweep [priority] evict books at or below a tier until within budget
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}

	app, err := newApp(cfg)
	if err != nil {
		fatal("%v", err)
	}
	defer app.close()

	switch os.Args[1] {
	case "status":
		app.cmdStatus()
	case "sync":
		if len(os.Args) < 3 {
			usage()
		}
		app.cmdSync(os.Args[2])
	case "watch":
		app.cmdWatch()
	case "highlights":
		if len(os.Args) < 3 {
			usage()
		}
		app.cmdHighlights(os.Args[2], os.Args[3:])
	case "search":
		if len(os.Args) < 4 {
			usage()
		}
		app.cmdSearch(os.Args[2], strings.Join(os.Args[3:], " "))
	case "export":
		if len(os.Args) < 3 {
			usage()
		}
		app.cmdExport(os.Args[2], os.Args[3:])
	case "summarize":
		if len(os.Args) < 3 {
			usage()
		}
		app.cmdSummarize(os.Args[2])
	case "cache":
		if len(os.Args) < 3 {
			usage()
		}
		app.cmdCache(os.Args[2], os.Args[3:])
	default:
		usage()
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "quill: "+format+"\n", args...)
	os.Exit(1)
}

type app struct {
	cfg   *config.Config
	conn  interface{ Close() error }
	coord *syncpkg.Coordinator
	cache *cache.Manager
	mgr   *highlight.Manager
}

func newApp(cfg *config.Config) (*app, error) {
	conn, err := db.Open(cfg.DbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	var masterKey []byte
	if cfg.Encrypt {
		masterKey, err = promptKey(cfg.LibraryID)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	codec, err := syncpkg.NewCodec(masterKey)
	if err != nil {
		conn.Close()
		return nil, err
	}

	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	platform := model.Platform(cfg.Platform)
	resolver := &merge.Resolver{
		TombstoneRetention: time.Duration(cfg.TombstoneRetentionDays) * 24 * time.Hour,
	}
	mgr := highlight.NewManager(platform, nil)
	coord := syncpkg.NewCoordinator(
		syncpkg.NewRetryableStore(store, syncpkg.DefaultRetryConfig()),
		syncpkg.NewQueue(conn),
		syncpkg.NewStateStore(conn),
		codec, resolver, mgr,
		cfg.LibraryID, platform, log,
		syncpkg.Options{
			MaxCycleAttempts: cfg.MaxSyncAttempts,
			BatchInterval:    time.Duration(cfg.BatchIntervalSeconds) * time.Second,
			MaxRetries:       cfg.MaxOpRetries,
		})
	mgr.SetListener(coord)

	cacheMgr := cache.NewManager(cache.NewSQLStore(conn), cfg.CacheBudgetBytes, log)

	return &app{cfg: cfg, conn: conn, coord: coord, cache: cacheMgr, mgr: mgr}, nil
}

func (a *app) close() {
	a.conn.Close()
}

func openStore(cfg *config.Config) (syncpkg.Store, error) {
	switch cfg.Store.Type {
	case "", "folder":
		return syncpkg.NewFolderStore(cfg.Store.Path), nil
	case "s3":
		return syncpkg.NewS3Store(context.Background(), syncpkg.S3Config{
			Bucket:    cfg.Store.Bucket,
			Prefix:    cfg.Store.Prefix,
			Region:    cfg.Store.Region,
			Endpoint:  cfg.Store.Endpoint,
			PathStyle: cfg.Store.PathStyle,
			AccessKey: cfg.Store.AccessKey,
			SecretKey: cfg.Store.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// promptKey reads the library passphrase and stretches it to a master
// key. The library id is the salt so both devices derive the same key.
func promptKey(libraryID string) ([]byte, error) {
	fmt.Fprint(os.Stderr, "library passphrase: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	return argon2.IDKey(pass, []byte("quill:"+libraryID), 1, 64*1024, 4, syncpkg.KeySize), nil
}

func (a *app) cmdStatus() {
	st, err := a.cache.GetOfflineStatus()
	if err != nil {
		fatal("offline status: %v", err)
	}
	fmt.Printf("library: %s\n", a.cfg.LibraryID)
	fmt.Printf("cache:   %d books, %s / %s used, %d pinned, %d favorites\n",
		st.Books, humanBytes(st.UsedBytes), humanBytes(st.BudgetBytes), st.Pinned, st.Favorites)

	books, err := a.coord.RemoteBooks(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "quill: list remote books: %v\n", err)
		return
	}
	if len(books) == 0 {
		fmt.Println("no synced books")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"BOOK", "VERSION", "LAST SYNC", "PENDING"})
	for _, id := range books {
		version, lastSync := int64(0), "never"
		if baseline, err := a.coord.Baseline(id); err == nil && baseline != nil {
			version = baseline.Version
			lastSync = baseline.LastSync.Local().Format("2006-01-02 15:04")
		}
		t.AppendRow(table.Row{shortID(id), version, lastSync, a.coord.GetStatus(id).Pending})
	}
	t.Render()
}

func (a *app) cmdSync(bookID string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := a.coord.SyncBook(ctx, bookID); err != nil {
		fatal("sync %s: %v", bookID, err)
	}
	st := a.coord.GetStatus(bookID)
	fmt.Printf("synced %s: version %d, %d ops pending\n", bookID, st.Version, st.Pending)
}

func (a *app) cmdWatch() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	fmt.Fprintln(os.Stderr, "watching for queued operations (ctrl-c to stop)")
	a.coord.Run(ctx)
}

// loadHighlights syncs a book and returns its merged highlight set,
// degrading to local state when the store is unreachable.
func (a *app) loadHighlights(ctx context.Context, bookID string) []model.Highlight {
	if err := a.coord.SyncBook(ctx, bookID); err != nil {
		fmt.Fprintf(os.Stderr, "quill: sync failed, showing local state: %v\n", err)
	}
	return a.mgr.GetHighlightsForBook(bookID)
}

func (a *app) cmdHighlights(bookID string, args []string) {
	fs := flag.NewFlagSet("highlights", flag.ExitOnError)
	color := fs.String("color", "", "only this highlight color")
	tag := fs.String("tag", "", "only highlights with a tag matching this glob")
	chapter := fs.String("chapter", "", "only highlights in chapters matching this glob")
	noted := fs.Bool("noted", false, "only highlights with notes")
	minImportance := fs.Int("min-importance", 0, "minimum importance (1-5)")
	fs.Parse(args)

	crit := filter.Criteria{
		Chapter:       *chapter,
		MinImportance: *minImportance,
		NotedOnly:     *noted,
	}
	if *color != "" {
		crit.Colors = []model.Color{model.Color(*color)}
	}
	if *tag != "" {
		crit.Tags = []string{*tag}
	}

	hs := filter.Apply(a.loadHighlights(context.Background(), bookID), crit)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "COLOR", "TEXT", "NOTE", "MODIFIED", "PLATFORM"})
	for _, h := range hs {
		t.AppendRow(table.Row{
			shortID(h.ID), h.Color, truncate(h.Text, 48), truncate(h.Note, 24),
			h.LastModified.Local().Format("2006-01-02 15:04"), h.Platform,
		})
	}
	t.Render()
}

func (a *app) cmdSearch(bookID, q string) {
	ctx := context.Background()
	hs := a.loadHighlights(ctx, bookID)

	var embed query.EmbedFn
	if a.cfg.Ollama.Enabled {
		client := ollama.New(a.cfg.Ollama.BaseURL)
		if client.Available(ctx) {
			embedModel := a.cfg.Ollama.EmbedModel
			embed = func(ctx context.Context, texts []string) ([][]float32, error) {
				return client.Embed(ctx, embedModel, texts)
			}
		}
	}

	matches := query.SemanticSearch(ctx, hs, q, embed)
	if len(matches) == 0 {
		fmt.Println("no matches")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "SCORE", "TEXT", "NOTE", "CHAPTER"})
	for _, m := range matches {
		h := m.Highlight
		t.AppendRow(table.Row{
			shortID(h.ID), fmt.Sprintf("%.1f", m.Score),
			truncate(h.Text, 48), truncate(h.Note, 24), truncate(h.Chapter, 20),
		})
	}
	t.Render()
}

func (a *app) cmdExport(bookID string, args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	format := fs.String("format", "md", "output format: md or json")
	fs.Parse(args)

	ctx := context.Background()
	hs := a.loadHighlights(ctx, bookID)

	title := bookID
	if b, err := a.cache.GetCachedBook(bookID); err == nil && b.Title != "" {
		title = b.Title
	}
	var meta model.FileMetadata
	if baseline, err := a.coord.Baseline(bookID); err == nil && baseline != nil {
		meta = baseline.Metadata
	}

	exp := export.Build(bookID, title, hs, meta, time.Now())
	switch *format {
	case "md", "markdown":
		fmt.Print(export.Markdown(exp))
	case "json":
		data, err := export.JSON(exp)
		if err != nil {
			fatal("export: %v", err)
		}
		os.Stdout.Write(data)
		fmt.Println()
	default:
		fatal("unknown export format %q", *format)
	}
}

func (a *app) cmdSummarize(bookID string) {
	if !a.cfg.Ollama.Enabled {
		fatal("summarize needs ollama enabled in config")
	}
	ctx := context.Background()
	client := ollama.New(a.cfg.Ollama.BaseURL)
	if !client.Available(ctx) {
		fatal("ollama not reachable at %s", a.cfg.Ollama.BaseURL)
	}

	hs := a.loadHighlights(ctx, bookID)
	if len(hs) == 0 {
		fmt.Println("no highlights to summarize")
		return
	}

	var b strings.Builder
	b.WriteString("Summarize the themes of these book highlights in a short paragraph:\n\n")
	for _, h := range hs {
		fmt.Fprintf(&b, "- %s\n", h.Text)
		if h.Note != "" {
			fmt.Fprintf(&b, "  note: %s\n", h.Note)
		}
	}
	out, err := client.Generate(ctx, a.cfg.Ollama.Model, b.String())
	if err != nil {
		fatal("summarize: %v", err)
	}
	fmt.Println(strings.TrimSpace(out))
}

func (a *app) cmdCache(sub string, args []string) {
	switch sub {
	case "ls":
		books, err := a.cache.ListCached()
		if err != nil {
			fatal("cache ls: %v", err)
		}
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"BOOK", "TITLE", "SIZE", "PRIORITY", "ACCESSED", "FLAGS"})
		for _, b := range books {
			flags := ""
			if b.WillKeep {
				flags += "pinned "
			}
			if b.IsFavorite {
				flags += "favorite"
			}
			t.AppendRow(table.Row{
				shortID(b.BookID), truncate(b.Title, 32), humanBytes(b.SizeBytes),
				b.Priority.String(), b.LastAccessed.Local().Format("2006-01-02 15:04"), flags,
			})
		}
		t.Render()
	case "pin", "unpin":
		if len(args) < 1 {
			usage()
		}
		if err := a.cache.SetPinned(args[0], sub == "pin"); err != nil {
			fatal("cache %s: %v", sub, err)
		}
	case "rm":
		if len(args) < 1 {
			usage()
		}
		if err := a.cache.RemoveBook(args[0]); err != nil {
			fatal("cache rm: %v", err)
		}
	case "sweep":
		pri := model.CacheLow
		if len(args) > 0 {
			pri = model.ParseCachePriority(args[0])
		}
		evicted, err := a.cache.CleanupCache(pri)
		if err != nil {
			fatal("cache sweep: %v", err)
		}
		fmt.Printf("evicted %d books\n", evicted)
	default:
		usage()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
