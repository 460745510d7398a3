package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sovabot/sova/internal/ai"
	"github.com/sovabot/sova/internal/channel"
	"github.com/sovabot/sova/internal/config"
	"github.com/sovabot/sova/internal/engine"
	"github.com/sovabot/sova/internal/history"
	"github.com/sovabot/sova/internal/media"
	"github.com/sovabot/sova/internal/reminder"
	"github.com/sovabot/sova/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "sova",
	Short: "sova - the group chat owl",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot (long polling + reminder scheduler)",
	RunE:  runRun,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config file and data directory",
	RunE:  runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(runCmd, initCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	hist := history.New(cfg.Engine.HistorySize, cfg.Engine.BufferSize)
	client := ai.NewClient(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model, cfg.AI.LogicModel)

	ch, err := channel.New(cfg.Telegram)
	if err != nil {
		return fmt.Errorf("create telegram channel: %w", err)
	}

	sched := reminder.NewScheduler(st, client, ch)

	eng, err := engine.New(cfg, st, hist, client, ch, media.NewResolver(ch), sched)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The bot name must be known before any handler goroutine runs.
	if err := ch.Connect(); err != nil {
		return fmt.Errorf("connect telegram: %w", err)
	}
	eng.SetBotName(ch.Self().UserName)

	if err := ch.Start(ctx, eng.HandleMessage); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start reminder scheduler: %w", err)
	}

	log.Printf("[sova] perched and listening")
	<-ctx.Done()

	log.Printf("[sova] shutting down")
	sched.Stop()
	ch.Stop()
	st.Flush()
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Printf("Data directory ready: %s\n", cfg.DataDir)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set the Telegram token and API key\n", cfgPath)
	fmt.Println("  2. Or set TELEGRAM_BOT_TOKEN and GEMINI_API_KEY")
	fmt.Println("  3. Run 'sova run'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Data: %s\n", cfg.DataDir)
	fmt.Printf("Model: %s (logic: %s)\n", cfg.AI.Model, cfg.AI.LogicModel)
	fmt.Printf("Telegram token: %s\n", masked(cfg.Telegram.Token))
	fmt.Printf("AI key: %s\n", masked(cfg.AI.APIKey))
	if cfg.Telegram.AdminID != 0 {
		fmt.Printf("Operator: %d\n", cfg.Telegram.AdminID)
	} else {
		fmt.Println("Operator: not set")
	}
	fmt.Printf("Trigger words: %v\n", cfg.Engine.TriggerWords)

	if _, err := os.Stat(cfg.DataDir); err != nil {
		fmt.Println("Data directory: not found (run 'sova init')")
	}
	return nil
}

func masked(s string) string {
	if s == "" {
		return "not set"
	}
	if len(s) <= 8 {
		return "set"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
