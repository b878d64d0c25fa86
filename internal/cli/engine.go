// Package cli provides the engine integration for the cropdoc CLI.
// This file contains the core initialization and command implementations.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cropdoc/cropdoc/internal/config"
	"github.com/cropdoc/cropdoc/internal/core"
	"github.com/cropdoc/cropdoc/internal/inference"
	"github.com/cropdoc/cropdoc/internal/logger"
	"github.com/cropdoc/cropdoc/internal/metrics"
	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
	"github.com/cropdoc/cropdoc/internal/provider/httpapi"
	"github.com/cropdoc/cropdoc/internal/provider/netstate"
	"github.com/cropdoc/cropdoc/internal/provider/rclone"
)

// maxParallelDownloads bounds "models download --all".
const maxParallelDownloads = 2

// Engine holds the cropdoc core components.
type Engine struct {
	Config       *config.Config
	Log          *logger.Logger
	State        *core.StateDB
	Journal      *core.JournalManager
	Inference    *inference.Engine
	Backend      *httpapi.Client
	Sources      *provider.Registry
	Connectivity *core.ConnectivityMonitor
	Models       *core.ModelStore
	Advice       *core.AdviceCache
	History      *core.HistoryStore
	Dispatcher   *core.Dispatcher
	Dashboard    *core.Dashboard
}

// Global engine instance
var engine *Engine

// InitEngine initializes the cropdoc engine.
func InitEngine() (*Engine, error) {
	if err := validateOutput(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(homeDir, rootCmd.PersistentFlags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}

	state, err := core.OpenStateDB(cfg.DBPath(), cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	journal := core.NewJournalManager(state.DB())
	infer := inference.NewEngine(nil, log)

	httpCfg := httpapi.DefaultConfig(cfg.BackendURL)
	httpCfg.AssetBaseURL = cfg.AssetBaseURL
	httpCfg.Timeout = cfg.HTTPTimeout
	httpCfg.RetryCount = cfg.HTTPRetries
	backend := httpapi.NewClient(httpCfg)

	sources := provider.NewRegistry()
	if err := sources.Register(backend); err != nil {
		state.Close()
		return nil, err
	}
	if cfg.RcloneRemote != "" {
		mirror := rclone.NewSource("rclone", cfg.RcloneRemote, cfg.RcloneConfig)
		if err := mirror.Check(); err != nil {
			log.Warn("rclone mirror disabled", "error", err)
		} else if err := sources.Register(mirror); err != nil {
			state.Close()
			return nil, err
		}
	}

	ctx := context.Background()

	conn := core.NewConnectivityMonitor(state, core.ConnectivityOptions{
		Source:        netstate.New(cfg.ReachabilityPoll, cfg.ReachabilityTarget),
		Backend:       backend,
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		Log:           log,
	})
	if err := conn.Init(ctx); err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to initialize connectivity: %w", err)
	}

	models, err := core.NewModelStore(state, journal, sources, infer, conn, core.ModelStoreOptions{
		Dir:           cfg.ModelsDir(),
		MinAssetBytes: cfg.MinAssetBytes,
		Log:           log,
	})
	if err != nil {
		state.Close()
		return nil, err
	}
	if loaded, err := models.LoadExisting(ctx); err != nil {
		log.Warn("failed to load downloaded models", "error", err)
	} else {
		log.Debug("models ready", "categories", loaded)
	}

	advice := core.NewAdviceCache(state, backend, conn, core.AdviceOptions{MaxAge: cfg.AdviceMaxAge, Log: log})
	if err := advice.Load(ctx); err != nil {
		log.Warn("failed to load cached disease info", "error", err)
	}

	history := core.NewHistoryStore(state, cfg.HistoryCap)

	dispatcher := core.NewDispatcher(core.DispatcherDeps{
		Connectivity: conn,
		Models:       models,
		Predictor:    infer,
		Advice:       advice,
		Backend:      backend,
	}, core.WithHistory(history), core.WithDispatcherLogger(log))

	return &Engine{
		Config:       cfg,
		Log:          log,
		State:        state,
		Journal:      journal,
		Inference:    infer,
		Backend:      backend,
		Sources:      sources,
		Connectivity: conn,
		Models:       models,
		Advice:       advice,
		History:      history,
		Dispatcher:   dispatcher,
		Dashboard:    core.NewDashboard(conn, models, infer, advice, history),
	}, nil
}

// GetEngine returns the engine, initializing if needed.
func GetEngine() (*Engine, error) {
	if engine != nil {
		return engine, nil
	}

	var err error
	engine, err = InitEngine()
	return engine, err
}

// CloseEngine releases the engine if one was created.
func CloseEngine() {
	if engine == nil {
		return
	}
	engine.Connectivity.Close()
	engine.Inference.UnloadAll()
	if err := engine.State.Close(); err != nil {
		engine.Log.Warn("failed to close state database", "error", err)
	}
	engine.Log.Sync()
	engine = nil
}

// ConfirmAction prompts the user for confirmation.
func ConfirmAction(prompt string) bool {
	if assumeYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func parseCategory(s string) (model.Category, error) {
	c, err := model.ParseCategory(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return "", err
	}
	return c, nil
}

// userError replaces err with the message shown to the user.
func userError(err error) error {
	return errors.New(core.Describe(err))
}

// --- Classification ---

// RunClassify classifies one image.
func RunClassify(imagePath, crop, question, notes string, advice bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	c, err := parseCategory(crop)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.Connectivity.RecommendedTimeout()+e.Config.HTTPTimeout)
	defer cancel()

	result, err := e.Dispatcher.Classify(ctx, core.Request{
		ImagePath:    imagePath,
		Category:     c,
		UserQuestion: question,
		Notes:        notes,
		EnableAdvice: advice,
	})
	if err != nil {
		return userError(err)
	}

	if structuredOutput() {
		return printStructured(result)
	}
	printClassification(result)
	return nil
}

func printClassification(r *model.ClassificationResult) {
	fmt.Printf("Result: %s (%.2f%%)\n", r.PredictedLabel, r.ConfidencePercent)
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("Crop:     %s\n", r.Category)
	if r.IsHealthy {
		fmt.Println("Health:   ✓ healthy")
	} else {
		fmt.Println("Health:   ⚠️ disease detected")
	}
	if r.ServedFromLocalInference {
		fmt.Println("Source:   on-device model")
	} else {
		fmt.Println("Source:   server")
	}
	if r.Filename != "" {
		fmt.Printf("Image:    %s (%s)\n", r.Filename, core.FormatSize(r.FileSize))
	}
	fmt.Println()

	fmt.Println("Top predictions:")
	for i, p := range r.TopPredictions {
		fmt.Printf("  %d. %-28s %6.2f%%\n", i+1, p.Label, p.ConfidencePercent)
	}
	fmt.Println()

	if r.Description != "" {
		fmt.Println(r.Description)
		fmt.Println()
	}

	if a := r.Advice; a != nil {
		fmt.Println("Advice")
		fmt.Println("───────────────────────────────────────")
		printField("Causes", a.Causes)
		printField("Immediate actions", a.ImmediateActions)
		printField("Treatment", a.Treatment)
		printField("Prevention", a.Prevention)
		printField("Monitoring", a.Monitoring)
		printField("Your question", a.QuestionAnswer)
	}
	if notice := core.AdviceNotice(r); notice != "" {
		fmt.Printf("⚠️  %s\n", notice)
	}
	if r.ServedFromLocalInference {
		fmt.Println("Personalised advice is only available online.")
	}
}

func printField(name, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%s:\n  %s\n", name, value)
}

// --- Models ---

type modelRow struct {
	Category   model.Category `json:"category"`
	Available  bool           `json:"available"`
	Loaded     bool           `json:"loaded"`
	SizeBytes  int64          `json:"size_bytes,omitempty"`
	Downloaded *time.Time     `json:"downloaded_at,omitempty"`
}

// RunModelsList lists every supported crop with its model status.
func RunModelsList() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	assets, err := e.Models.Assets(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	byCat := make(map[model.Category]*model.ModelAsset, len(assets))
	for _, a := range assets {
		byCat[a.Category] = a
	}

	var rows []modelRow
	for _, c := range e.Models.SupportedCategories() {
		row := modelRow{Category: c, Available: e.Models.IsAvailable(c), Loaded: e.Inference.IsLoaded(c)}
		if a, ok := byCat[c]; ok {
			row.SizeBytes = a.SizeBytes
			t := a.DownloadedAt
			row.Downloaded = &t
		}
		rows = append(rows, row)
	}

	if structuredOutput() {
		return printStructured(rows)
	}

	fmt.Printf("%-10s %-12s %-10s %s\n", "CROP", "STATUS", "SIZE", "DOWNLOADED")
	fmt.Println(strings.Repeat("─", 56))
	for _, r := range rows {
		status, size, when := "✗ missing", "-", "-"
		if r.Available {
			status = "✓ ready"
		} else if r.Downloaded != nil {
			status = "⚠️ unloaded"
		}
		if r.Downloaded != nil {
			size = core.FormatSize(r.SizeBytes)
			when = r.Downloaded.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%-10s %-12s %-10s %s\n", r.Category, status, size, when)
	}
	return nil
}

// RunModelsDownload downloads models for the named crops, or all of them.
func RunModelsDownload(crops []string, all bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}

	var targets []model.Category
	if all {
		targets = e.Models.SupportedCategories()
	} else {
		if len(crops) == 0 {
			return fmt.Errorf("name at least one crop, or pass --all")
		}
		for _, s := range crops {
			c, err := parseCategory(s)
			if err != nil {
				return err
			}
			targets = append(targets, c)
		}
	}

	if !e.Connectivity.CanUseRemote() {
		return userError(core.ErrConnectivityUnavailable)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One category failing must not cancel the others.
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
	)
	g.SetLimit(maxParallelDownloads)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			fmt.Printf("Downloading %s model...\n", c)
			asset, err := e.Models.Download(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Printf("✗ %s: %s\n", c, core.Describe(err))
				failed = append(failed, string(c))
				return nil
			}
			fmt.Printf("✓ %s ready (%s)\n", c, core.FormatSize(asset.SizeBytes))
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("failed to download: %s", strings.Join(failed, ", "))
	}
	return nil
}

// RunModelsDelete removes one model.
func RunModelsDelete(crop string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	c, err := parseCategory(crop)
	if err != nil {
		return err
	}
	if !ConfirmAction(fmt.Sprintf("Delete the %s model? Offline classification for %s will stop working", c, c)) {
		fmt.Println("Cancelled.")
		return nil
	}
	if err := e.Models.Delete(context.Background(), c); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	fmt.Printf("✓ Deleted %s model\n", c)
	return nil
}

// RunModelsClear removes every model.
func RunModelsClear() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	info, err := e.Models.Info(context.Background())
	if err != nil {
		return err
	}
	if len(info.AvailableCategories) == 0 {
		fmt.Println("No models downloaded.")
		return nil
	}
	fmt.Printf("This will delete %d model(s) using %s.\n", len(info.AvailableCategories), core.FormatSize(info.StorageUsedBytes))
	if !ConfirmAction("Delete all offline models?") {
		fmt.Println("Cancelled.")
		return nil
	}
	if err := e.Models.ClearAll(context.Background()); err != nil {
		return fmt.Errorf("failed to clear models: %w", err)
	}
	fmt.Println("✓ All offline models deleted")
	return nil
}

// RunModelsInfo prints the storage summary.
func RunModelsInfo() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	info, err := e.Models.Info(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read model info: %w", err)
	}
	if structuredOutput() {
		return printStructured(info)
	}

	mem := e.Inference.MemoryUsage()
	fmt.Println("Offline Models")
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("Available:  %d of %d\n", len(info.AvailableCategories), info.TotalCategories)
	for _, c := range info.AvailableCategories {
		fmt.Printf("  ✓ %s\n", c)
	}
	fmt.Printf("Storage:    %s\n", core.FormatSize(info.StorageUsedBytes))
	fmt.Printf("In memory:  %s (%d loaded)\n", core.FormatSize(mem.EstimatedBytes), len(mem.LoadedCategories))
	fmt.Printf("Directory:  %s\n", e.Models.Dir())
	fmt.Printf("Computed:   %s\n", info.ComputedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

// RunModelsScan checks models for inconsistencies (read-only).
func RunModelsScan() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	result, err := e.Models.Scan(context.Background())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if structuredOutput() {
		return printStructured(result)
	}
	printScanResult(result)
	return nil
}

func printScanResult(result *core.ScanResult) {
	fmt.Printf("Scan: %s\n", result.ScanType)
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("Time:     %s\n", result.ScanTime.Format("2006-01-02 15:04:05"))
	fmt.Printf("Items:    %d\n", result.TotalItems)
	fmt.Printf("Status:   ✓ %d OK, ⚠️ %d warnings, ✗ %d errors\n",
		result.OKCount, result.WarningCount, result.ErrorCount)
	fmt.Println()

	for _, f := range result.Findings {
		icon := "  "
		switch f.Severity {
		case "ok":
			icon = "✓"
		case "warning":
			icon = "⚠️"
		case "error":
			icon = "✗"
		}
		fmt.Printf("%s [%s] %s\n", icon, f.Category, f.Description)
		if f.Suggestion != "" {
			fmt.Printf("    → %s\n", f.Suggestion)
		}
	}
}

// --- Offline mode ---

// RunOfflineSet turns offline mode on or off.
func RunOfflineSet(enabled bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if err := e.Connectivity.SetOfflineModeOverride(context.Background(), enabled); err != nil {
		return fmt.Errorf("failed to set offline mode: %w", err)
	}
	if enabled {
		fmt.Println("✓ Offline mode on: classification runs on this device only")
		var missing []string
		for _, c := range e.Models.SupportedCategories() {
			if !e.Models.IsAvailable(c) {
				missing = append(missing, string(c))
			}
		}
		if len(missing) > 0 {
			fmt.Printf("⚠️  No offline model for: %s\n", strings.Join(missing, ", "))
		}
	} else {
		fmt.Println("✓ Offline mode off")
	}
	fmt.Println(e.Connectivity.StatusMessage())
	return nil
}

// RunOfflineStatus prints the connectivity state.
func RunOfflineStatus() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	state := e.Connectivity.State()
	if structuredOutput() {
		return printStructured(state)
	}
	printConnectivity(e, state)
	return nil
}

func printConnectivity(e *Engine, s model.ConnectivityState) {
	onlineIcon := "✗"
	if s.IsOnline {
		onlineIcon = "✓"
	}
	fmt.Printf("   Status:         %s\n", e.Connectivity.StatusMessage())
	fmt.Printf("   Online:         %s\n", onlineIcon)
	fmt.Printf("   Offline mode:   %v\n", s.OfflineModeOverride)
	fmt.Printf("   Connection:     %s\n", s.ConnectionType)
	fmt.Printf("   Quality:        %s (%s)\n", s.ConnectionQuality, core.GetQualityDescription(s.ConnectionQuality))
	if s.InternetReachable != nil {
		fmt.Printf("   Internet:       %v\n", *s.InternetReachable)
	}
	if s.LastOnline != nil {
		fmt.Printf("   Last online:    %s\n", s.LastOnline.Local().Format("2006-01-02 15:04:05"))
	}
}

// --- Network stats ---

// RunStatsShow prints accumulated network statistics.
func RunStatsShow() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	stats := e.Connectivity.NetworkStats()
	if structuredOutput() {
		return printStructured(stats)
	}
	printNetworkStats(stats)
	return nil
}

func printNetworkStats(s model.NetworkStats) {
	fmt.Printf("   Online:         %s\n", s.TotalOnline.Round(time.Second))
	fmt.Printf("   Offline:        %s\n", s.TotalOffline.Round(time.Second))
	fmt.Printf("   Switches:       %d\n", s.ConnectionSwitches)
	if s.LastConnected != nil {
		fmt.Printf("   Last connected: %s\n", s.LastConnected.Local().Format("2006-01-02 15:04:05"))
	}
	if s.LastDisconnected != nil {
		fmt.Printf("   Last dropped:   %s\n", s.LastDisconnected.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("   Since:          %s\n", s.ResetAt.Local().Format("2006-01-02 15:04:05"))
}

// RunStatsReset clears network statistics.
func RunStatsReset() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if !ConfirmAction("Reset network statistics?") {
		fmt.Println("Cancelled.")
		return nil
	}
	if err := e.Connectivity.ResetNetworkStats(context.Background()); err != nil {
		return fmt.Errorf("failed to reset stats: %w", err)
	}
	fmt.Println("✓ Network statistics reset")
	return nil
}

// --- Advice cache ---

// RunAdviceRefresh fetches a fresh disease information snapshot.
func RunAdviceRefresh() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if !e.Connectivity.CanUseRemote() {
		return userError(core.ErrConnectivityUnavailable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.Config.HTTPTimeout)
	defer cancel()
	if err := e.Advice.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh disease info: %w", err)
	}
	info := e.Advice.Info()
	fmt.Printf("✓ Disease information updated (version %s)\n", info.Version)
	return nil
}

// RunAdviceClear drops the cached snapshot.
func RunAdviceClear() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if !ConfirmAction("Clear cached disease information?") {
		fmt.Println("Cancelled.")
		return nil
	}
	if err := e.Advice.Clear(context.Background()); err != nil {
		return fmt.Errorf("failed to clear disease info: %w", err)
	}
	fmt.Println("✓ Cached disease information cleared; built-in descriptions will be used")
	return nil
}

// RunAdviceShow prints the disease information for one label.
func RunAdviceShow(crop, disease string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	c, err := parseCategory(crop)
	if err != nil {
		return err
	}
	info, ok := e.Advice.BasicInfo(c, disease)
	if !ok {
		return fmt.Errorf("no information for %q in %s", disease, c)
	}
	if structuredOutput() {
		return printStructured(info)
	}

	fmt.Printf("%s: %s\n", c, model.FormatLabel(model.DiseaseKey(disease)))
	fmt.Println("═══════════════════════════════════════")
	printField("Description", info.Description)
	printField("Symptoms", info.Symptoms)
	printField("Causes", info.Causes)
	printField("Treatment", info.Treatment)
	printField("Prevention", info.Prevention)
	status := e.Advice.Info()
	if status.Stale {
		fmt.Printf("\n⚠️  Source: %s (stale, refresh when online)\n", status.Source)
	}
	return nil
}

// RunAdviceList lists known diseases for one crop, or all crops.
func RunAdviceList(crop string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	cats := e.Advice.Categories()
	if crop != "" {
		c, err := parseCategory(crop)
		if err != nil {
			return err
		}
		cats = []model.Category{c}
	}

	out := make(map[model.Category][]string, len(cats))
	for _, c := range cats {
		out[c] = e.Advice.Diseases(c)
	}
	info := e.Advice.Info()
	if structuredOutput() {
		return printStructured(map[string]interface{}{"cache": info, "diseases": out})
	}

	fmt.Printf("Disease information (%s", info.Source)
	if info.FetchedAt != nil {
		fmt.Printf(", fetched %s", info.FetchedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Println(")")
	fmt.Println("═══════════════════════════════════════")
	for _, c := range cats {
		fmt.Printf("%s:\n", c)
		for _, d := range out[c] {
			fmt.Printf("  • %s\n", d)
		}
	}
	return nil
}

// --- History ---

// RunHistoryList lists recent scans.
func RunHistoryList() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	entries, err := e.History.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	if structuredOutput() {
		return printStructured(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No scans recorded.")
		return nil
	}

	fmt.Printf("%-36s %-16s %-8s %-24s %s\n", "ID", "WHEN", "CROP", "RESULT", "CONF")
	fmt.Println(strings.Repeat("─", 96))
	for _, h := range entries {
		icon := "⚠️"
		if h.Result.IsHealthy {
			icon = "✓"
		}
		fmt.Printf("%-36s %-16s %-8s %s %-21s %6.2f%%\n",
			h.ID, h.CreatedAt.Local().Format("2006-01-02 15:04"), h.Result.Category,
			icon, h.Result.PredictedLabel, h.Result.ConfidencePercent)
	}
	return nil
}

// RunHistoryShow prints one scan.
func RunHistoryShow(id string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	h, err := e.History.Get(context.Background(), id)
	if err != nil {
		return err
	}
	if structuredOutput() {
		return printStructured(h)
	}
	fmt.Printf("Scan %s at %s\n", h.ID, h.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Image: %s\n\n", h.ImageReference)
	printClassification(&h.Result)
	if h.Result.Notes != "" {
		fmt.Printf("\nNotes: %s\n", h.Result.Notes)
	}
	return nil
}

// RunHistoryDelete removes one scan.
func RunHistoryDelete(id string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if err := e.History.Delete(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("✓ Deleted scan %s\n", id)
	return nil
}

// RunHistoryClear removes every scan.
func RunHistoryClear() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if !ConfirmAction("Delete all scan history?") {
		fmt.Println("Cancelled.")
		return nil
	}
	if err := e.History.Clear(context.Background()); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	fmt.Println("✓ Scan history cleared")
	return nil
}

// RunHistoryStats summarises the history.
func RunHistoryStats() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	stats, err := e.History.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read history stats: %w", err)
	}
	if structuredOutput() {
		return printStructured(stats)
	}
	printHistoryStats(stats, e.History.Cap())
	return nil
}

func printHistoryStats(s *model.HistoryStats, limit int) {
	fmt.Printf("   Scans:          %d (keeps %d)\n", s.TotalScans, limit)
	fmt.Printf("   Healthy:        %d\n", s.HealthyCount)
	fmt.Printf("   Diseased:       %d\n", s.DiseasedCount)
	if s.LastScan != nil {
		fmt.Printf("   Last scan:      %s\n", s.LastScan.Local().Format("2006-01-02 15:04:05"))
	}
}

// --- Status, explain, diagnostics ---

// RunStatus displays a complete dashboard.
func RunStatus(probe bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if probe {
		if q, ok := e.Connectivity.ProbeNow(ctx); ok {
			e.Log.Debug("probe finished", "quality", q)
		}
	}

	overview, err := e.Dashboard.GetOverview(ctx)
	if err != nil {
		return fmt.Errorf("failed to get overview: %w", err)
	}
	if structuredOutput() {
		return printStructured(overview)
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      cropdoc Overview                        ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📡 Connectivity")
	fmt.Println("───────────────────────────────────────")
	printConnectivity(e, overview.Connectivity)
	fmt.Printf("   Timeout:        %s\n", overview.RecommendedTimeout)
	fmt.Println()

	fmt.Println("📊 Network")
	fmt.Println("───────────────────────────────────────")
	printNetworkStats(overview.Network)
	fmt.Println()

	fmt.Println("🧠 Offline Models")
	fmt.Println("───────────────────────────────────────")
	fmt.Printf("   Downloaded:     %d of %d\n", len(overview.Models.AvailableCategories), overview.Models.TotalCategories)
	fmt.Printf("   Storage:        %s\n", core.FormatSize(overview.Models.StorageUsedBytes))
	for _, c := range model.Categories() {
		icon := "✗"
		for _, s := range overview.ServesOffline {
			if s == c {
				icon = "✓"
			}
		}
		fmt.Printf("   %s %s\n", icon, c)
	}
	fmt.Println()

	fmt.Println("📚 Disease Information")
	fmt.Println("───────────────────────────────────────")
	fmt.Printf("   Source:         %s\n", overview.Advice.Source)
	if overview.Advice.FetchedAt != nil {
		fmt.Printf("   Version:        %s\n", overview.Advice.Version)
		fmt.Printf("   Fetched:        %s\n", overview.Advice.FetchedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if overview.Advice.Stale {
		fmt.Println("   Stale:          ⚠️  refresh when online")
	}
	fmt.Println()

	fmt.Println("🌱 History")
	fmt.Println("───────────────────────────────────────")
	printHistoryStats(overview.History, e.History.Cap())
	fmt.Println()

	fmt.Printf("Generated: %s\n", overview.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()
	return nil
}

// RunExplain shows which path a classification would take.
func RunExplain(crop string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	c, err := parseCategory(crop)
	if err != nil {
		return err
	}
	exp, err := e.Dispatcher.Explain(c)
	if err != nil {
		return err
	}
	if structuredOutput() {
		return printStructured(exp)
	}

	icon := "✓"
	if !exp.Ready {
		icon = "✗"
	}
	fmt.Printf("Crop:   %s\n", exp.Category)
	fmt.Printf("Route:  %s %s\n", exp.Path, icon)
	fmt.Println()
	fmt.Println("Why:")
	for _, r := range exp.Reasons {
		fmt.Printf("  • %s\n", r)
	}
	return nil
}

// RunDiagnosticsExport exports machine-readable diagnostics.
func RunDiagnosticsExport(outputPath string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	diag, err := core.ExportDiagnostics(context.Background(), e.State, e.Models.Dir())
	if err != nil {
		return fmt.Errorf("failed to export diagnostics: %w", err)
	}

	if outputPath == "" {
		if outputFmt == "yaml" {
			return printStructured(diag)
		}
		return writeStructured(os.Stdout, "json", diag)
	}

	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	format := "json"
	if outputFmt == "yaml" {
		format = "yaml"
	}
	if err := writeStructured(f, format, diag); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	fmt.Printf("✓ Diagnostics exported to %s\n", outputPath)
	return nil
}

// RunMetrics prints this process's metrics.
func RunMetrics() error {
	if _, err := GetEngine(); err != nil {
		return err
	}
	return metrics.WriteText(os.Stdout)
}

// --- Monitor ---

// RunMonitor keeps the connectivity monitor and background jobs running
// until interrupted, printing every state transition.
func RunMonitor(parent context.Context) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := core.NewScheduler(e.Log)
	if err := e.Connectivity.Start(ctx, sched); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	if err := sched.Every("advice-refresh", e.Config.AdviceRefreshPeriod, func(ctx context.Context) {
		if err := e.Advice.RefreshIfStale(ctx); err != nil {
			e.Log.Warn("advice refresh failed", "error", err)
		}
	}); err != nil {
		return err
	}

	unsubscribe := e.Advice.RefreshOnReconnect(e.Connectivity)
	defer unsubscribe()
	unlisten := e.Connectivity.AddListener(func(s model.ConnectivityState) {
		fmt.Printf("[%s] %s (%s, %s)\n", time.Now().Format("15:04:05"),
			statusLine(s), s.ConnectionType, s.ConnectionQuality)
	})
	defer unlisten()

	sched.Start()
	defer sched.Stop()

	// Catch up on a stale snapshot straight away rather than waiting a period.
	go func() {
		if err := e.Advice.RefreshIfStale(ctx); err != nil {
			e.Log.Warn("advice refresh failed", "error", err)
		}
	}()

	fmt.Printf("Monitoring connectivity (Ctrl-C to stop)\n%s\n", e.Connectivity.StatusMessage())
	<-ctx.Done()
	fmt.Println("\nStopping monitor")
	return nil
}

func statusLine(s model.ConnectivityState) string {
	switch {
	case s.OfflineModeOverride:
		return "offline mode"
	case s.IsOnline:
		return "✓ online"
	default:
		return "✗ offline"
	}
}

// --- State database ---

// RunDBBackup writes a consistent copy of the state database.
func RunDBBackup(dst string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if err := e.State.Backup(context.Background(), dst); err != nil {
		return fmt.Errorf("failed to back up state database: %w", err)
	}
	fmt.Printf("✓ State database copied to %s\n", dst)
	if e.State.IsEncrypted() {
		fmt.Println("  The copy uses the current passphrase.")
	}
	return nil
}

// RunDBPassphrase re-keys the encrypted state database.
func RunDBPassphrase() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	next := os.Getenv("CROPDOC_NEW_PASSPHRASE")
	if next == "" {
		return fmt.Errorf("set CROPDOC_NEW_PASSPHRASE to the new passphrase")
	}
	if !ConfirmAction("Change the state database passphrase?") {
		fmt.Println("Cancelled.")
		return nil
	}
	if err := e.State.ChangePassphrase(context.Background(), next); err != nil {
		return fmt.Errorf("failed to change passphrase: %w", err)
	}
	fmt.Println("✓ Passphrase changed. Update CROPDOC_PASSPHRASE before the next run.")
	return nil
}
