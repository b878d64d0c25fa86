// Package cli implements the cropdoc command-line interface.
// Built with cobra following these operational rules:
// - No background daemon except the explicit "monitor" command
// - Classification never waits on the network when offline mode is on
// - All destructive actions require confirmation
package cli

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	homeDir    string
	backendURL string
	logMode    string
	outputFmt  string
	assumeYes  bool
)

// rootCmd is the base command for cropdoc.
var rootCmd = &cobra.Command{
	Use:   "cropdoc",
	Short: "Offline-capable crop disease classification",
	Long: `cropdoc classifies crop leaf images into disease labels.

It provides:
  • Remote classification with optional AI advice when online
  • Local inference from downloaded per-crop models when offline
  • A user-controlled offline mode that never touches the network
  • A cached disease-information snapshot for offline descriptions
  • A bounded on-device scan history

Supported crops: cashew, cassava, maize, tomato`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	defer CloseEngine()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "State directory (default ~/.cropdoc)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Backend base URL")
	rootCmd.PersistentFlags().StringVar(&logMode, "log-mode", "", "Log mode: dev, prod or quiet")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "Output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Skip confirmation prompts")

	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(offlineCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(adviceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(diagnosticsCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(dbCmd)
}

// --- Classification ---

var classifyCmd = &cobra.Command{
	Use:   "classify <image>",
	Short: "Classify a leaf image",
	Long: `Classify a leaf image for the given crop.

Uses the backend when online and offline mode is off; otherwise runs the
downloaded local model. Advice is only available from the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		crop, _ := cmd.Flags().GetString("crop")
		question, _ := cmd.Flags().GetString("question")
		notes, _ := cmd.Flags().GetString("notes")
		advice, _ := cmd.Flags().GetBool("advice")
		return RunClassify(args[0], crop, question, notes, advice)
	},
}

func init() {
	classifyCmd.Flags().StringP("crop", "c", "", "Crop type (cashew, cassava, maize, tomato)")
	classifyCmd.Flags().StringP("question", "q", "", "Question for the advice model")
	classifyCmd.Flags().String("notes", "", "Free-form notes stored with the result")
	classifyCmd.Flags().Bool("advice", true, "Request AI advice when classifying remotely")
	_ = classifyCmd.MarkFlagRequired("crop")
}

// --- Models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage offline models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crops and their offline model status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunModelsList()
	},
}

var modelsDownloadCmd = &cobra.Command{
	Use:   "download [crop...]",
	Short: "Download offline models",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return RunModelsDownload(args, all)
	},
}

var modelsDeleteCmd = &cobra.Command{
	Use:   "delete <crop>",
	Short: "Delete one offline model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunModelsDelete(args[0])
	},
}

var modelsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every offline model",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunModelsClear()
	},
}

var modelsInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show offline model storage summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunModelsInfo()
	},
}

var modelsScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Check model records against files on disk (read-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunModelsScan()
	},
}

func init() {
	modelsDownloadCmd.Flags().Bool("all", false, "Download every supported crop")
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsDownloadCmd)
	modelsCmd.AddCommand(modelsDeleteCmd)
	modelsCmd.AddCommand(modelsClearCmd)
	modelsCmd.AddCommand(modelsInfoCmd)
	modelsCmd.AddCommand(modelsScanCmd)
}

// --- Offline mode ---

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Control offline mode",
}

var offlineOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Force local inference regardless of network",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunOfflineSet(true)
	},
}

var offlineOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Allow remote services when online",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunOfflineSet(false)
	},
}

var offlineStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and offline mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunOfflineStatus()
	},
}

func init() {
	offlineCmd.AddCommand(offlineOnCmd)
	offlineCmd.AddCommand(offlineOffCmd)
	offlineCmd.AddCommand(offlineStatusCmd)
}

// --- Network stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Network usage statistics",
}

var statsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show online/offline totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStatsShow()
	},
}

var statsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset network statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStatsReset()
	},
}

func init() {
	statsCmd.AddCommand(statsShowCmd)
	statsCmd.AddCommand(statsResetCmd)
}

// --- Advice cache ---

var adviceCmd = &cobra.Command{
	Use:   "advice",
	Short: "Manage the cached disease information",
}

var adviceRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the disease information snapshot from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunAdviceRefresh()
	},
}

var adviceClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop the cached snapshot and revert to built-in text",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunAdviceClear()
	},
}

var adviceShowCmd = &cobra.Command{
	Use:   "show <crop> <disease>",
	Short: "Show disease information",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunAdviceShow(args[0], args[1])
	},
}

var adviceListCmd = &cobra.Command{
	Use:   "list [crop]",
	Short: "List diseases with cached information",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		crop := ""
		if len(args) > 0 {
			crop = args[0]
		}
		return RunAdviceList(crop)
	},
}

func init() {
	adviceCmd.AddCommand(adviceRefreshCmd)
	adviceCmd.AddCommand(adviceClearCmd)
	adviceCmd.AddCommand(adviceShowCmd)
	adviceCmd.AddCommand(adviceListCmd)
}

// --- History ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse past classifications",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent scans, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHistoryList()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHistoryShow(args[0])
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHistoryDelete(args[0])
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHistoryClear()
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise scan history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHistoryStats()
	},
}

func init() {
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyStatsCmd)
}

// --- Status and introspection ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a complete overview",
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, _ := cmd.Flags().GetBool("probe")
		return RunStatus(probe)
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <crop>",
	Short: "Explain which path a classification would take",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunExplain(args[0])
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Export a read-only state summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		return RunDiagnosticsExport(path)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch connectivity and keep advice fresh until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunMonitor(cmd.Context())
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print metrics in Prometheus text format",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunMetrics()
	},
}

func init() {
	statusCmd.Flags().Bool("probe", false, "Measure backend latency before reporting")
	diagnosticsCmd.Flags().StringP("file", "f", "", "Write to file instead of stdout")
}

// --- State database ---

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "State database maintenance",
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup <path>",
	Short: "Write a consistent copy of the state database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunDBBackup(args[0])
	},
}

var dbPassphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Change the state database passphrase (reads CROPDOC_NEW_PASSPHRASE)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunDBPassphrase()
	},
}

func init() {
	dbCmd.AddCommand(dbBackupCmd)
	dbCmd.AddCommand(dbPassphraseCmd)
}
