package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"binance-mm-runner/internal/config"
	"binance-mm-runner/internal/control"
	"binance-mm-runner/internal/downloader"
	"binance-mm-runner/internal/exchange"
	"binance-mm-runner/internal/fills"
	"binance-mm-runner/internal/license"
	"binance-mm-runner/internal/logger"
	"binance-mm-runner/internal/models"
	"binance-mm-runner/internal/persistence"
	"binance-mm-runner/internal/reporter"
	"binance-mm-runner/internal/runner"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (.json, .yaml or .yml)")
	mode := flag.String("mode", "live", "running mode: live or paper")
	statusOnly := flag.Bool("status", false, "print the latest runtime snapshots and exit")
	dataPath := flag.String("data", "", "paper mode: kline CSV whose close prices are replayed one per tick")
	showAlerts := flag.Int("alerts", 0, "print the newest N alerts and exit")
	setStatus := flag.String("set-status", "", "set a bot status and exit, e.g. bot1=PAUSED")
	download := flag.String("download", "", "download 1m klines for this symbol into -data and exit")
	days := flag.Int("days", 7, "with -download: number of days up to now")
	flag.Parse()

	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	if *download != "" {
		if err := downloadKlines(*download, *dataPath, *days); err != nil {
			logger.S().Fatalf("下载K线数据失败: %v", err)
		}
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	if *mode != "live" && *mode != "paper" {
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'paper'。", *mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := control.NewDir(cfg.ControlDir, logger.L())
	if *statusOnly || *showAlerts > 0 || *setStatus != "" {
		if err := operate(ctx, cfg, ctrl, *statusOnly, *showAlerts, *setStatus); err != nil {
			logger.S().Fatalf("操作失败: %v", err)
		}
		return
	}

	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("无法打开数据库 %s: %v", cfg.DBPath, err)
	}
	defer store.Close()

	if err := run(ctx, cfg, store, ctrl, *mode, *dataPath); err != nil {
		logger.S().Fatalf("运行失败: %v", err)
	}
	logger.S().Info("所有机器人已停止。")
}

func run(ctx context.Context, cfg *models.Config, store *persistence.Store, ctrl *control.Dir, mode, dataPath string) error {
	log := logger.L()

	for i := range cfg.Bots {
		seeded, err := store.SeedBundle(ctx, &cfg.Bots[i])
		if err != nil {
			return fmt.Errorf("seed bot %s: %w", cfg.Bots[i].Bot.ID, err)
		}
		if seeded {
			log.Info("bot seeded from config", zap.String("bot_id", cfg.Bots[i].Bot.ID))
		}
	}
	bots, err := loadBots(ctx, store)
	if err != nil {
		return err
	}
	if len(bots) == 0 {
		return errors.New("no bots configured")
	}

	venues, papers, err := buildVenues(cfg, mode, log)
	if err != nil {
		return err
	}

	deps := runner.Deps{
		Store:     store,
		Venues:    venues,
		AlertSink: store,
		Fills:     fills.NewSyncer(venues, store, log),
		License:   license.NewGate(cfg.License),
		Logger:    log,
	}
	sup := runner.NewSupervisor(cfg.Runner, deps, bots)

	go ctrl.Loop(ctx, models.Ms(cfg.Runner.StatusPollMs), hangups(ctx), applyStatus(store, sup), publishSource(store))
	if cfg.StatusIntervalSec > 0 {
		go statusLoop(ctx, store, time.Duration(cfg.StatusIntervalSec)*time.Second)
	}
	if mode == "paper" && dataPath != "" {
		prices, err := downloader.ReadClosePrices(dataPath)
		if err != nil {
			return err
		}
		go replayPrices(ctx, papers, bots, prices, models.Ms(cfg.Runner.TickMs), log)
	}

	err = sup.Run(ctx)

	if mode == "paper" {
		for _, b := range bots {
			if p, ok := papers[b.Bot.Exchange]; ok {
				reporter.RenderPaperSummary(os.Stdout, reporter.SummarizePaper(p.TradeLog, b.Bot.Symbol))
			}
		}
	}
	return err
}

// loadBots returns every bot in the store.
func loadBots(ctx context.Context, store *persistence.Store) ([]models.BotBundle, error) {
	ids, err := store.ListBotIDs(ctx)
	if err != nil {
		return nil, err
	}
	bots := make([]models.BotBundle, 0, len(ids))
	for _, id := range ids {
		b, err := store.LoadBotAndConfigs(ctx, id)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *b)
	}
	return bots, nil
}

// buildVenues registers one adapter per configured exchange key. In paper
// mode every venue is simulated regardless of its kind.
func buildVenues(cfg *models.Config, mode string, log *zap.Logger) (*exchange.Registry, map[string]*exchange.PaperExchange, error) {
	reg := exchange.NewRegistry()
	papers := make(map[string]*exchange.PaperExchange)

	keys := make([]string, 0, len(cfg.Exchanges))
	for k := range cfg.Exchanges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		ec := cfg.Exchanges[key]
		if mode == "paper" || ec.Kind == "paper" {
			p := exchange.NewPaperExchange(ec.Paper)
			papers[key] = p
			reg.Register(key, p)
			log.Info("paper venue registered", zap.String("exchange", key))
			continue
		}

		apiKeyEnv, secretEnv := ec.APIKeyEnv, ec.SecretKeyEnv
		if apiKeyEnv == "" {
			apiKeyEnv = "BINANCE_API_KEY"
		}
		if secretEnv == "" {
			secretEnv = "BINANCE_SECRET_KEY"
		}
		apiKey, secretKey := os.Getenv(apiKeyEnv), os.Getenv(secretEnv)
		if apiKey == "" || secretKey == "" {
			return nil, nil, fmt.Errorf("exchange %s: %s and %s must be set", key, apiKeyEnv, secretEnv)
		}
		reg.Register(key, exchange.NewBinanceExchange(apiKey, secretKey, ec.Testnet, ec.RequestsPerSecond, log.With(zap.String("exchange", key))))
		log.Info("binance venue registered", zap.String("exchange", key), zap.Bool("testnet", ec.Testnet))
	}
	return reg, papers, nil
}

// operate serves the CLI commands. While a runner process holds the
// database they go through the control directory instead.
func operate(ctx context.Context, cfg *models.Config, ctrl *control.Dir, status bool, alerts int, setStatus string) error {
	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		logger.S().Infof("数据库被占用，通过控制目录 %s 操作: %v", cfg.ControlDir, err)
		return operateLive(ctrl, status, alerts, setStatus)
	}
	defer store.Close()

	if setStatus != "" {
		id, st, err := parseSetStatus(setStatus)
		if err != nil {
			return err
		}
		if err := store.UpdateBotStatus(ctx, id, st); err != nil {
			return err
		}
		logger.S().Infof("机器人 %s 状态已更新为 %s", id, st)
	}
	if status {
		printStatus(ctx, store)
	}
	if alerts > 0 {
		list, err := store.ListAlerts(ctx, "")
		if err != nil {
			return err
		}
		reporter.RenderAlerts(os.Stdout, list, alerts)
	}
	return nil
}

func operateLive(ctrl *control.Dir, status bool, alerts int, setStatus string) error {
	if setStatus != "" {
		id, st, err := parseSetStatus(setStatus)
		if err != nil {
			return err
		}
		if err := ctrl.RequestStatus(id, st); err != nil {
			return err
		}
		logger.S().Infof("已提交状态变更请求: %s -> %s", id, st)
	}
	if !status && alerts <= 0 {
		return nil
	}
	p, err := ctrl.ReadPublished()
	if err != nil {
		return fmt.Errorf("read published status: %w", err)
	}
	if status {
		reporter.RenderStatus(os.Stdout, p.Snapshots, time.Now())
	}
	if alerts > 0 {
		reporter.RenderAlerts(os.Stdout, p.Alerts, alerts)
	}
	return nil
}

// parseSetStatus splits "botID=STATUS".
func parseSetStatus(arg string) (string, models.BotStatus, error) {
	id, status, ok := strings.Cut(arg, "=")
	if !ok || id == "" {
		return "", "", fmt.Errorf("expected botID=STATUS, got %q", arg)
	}
	st, err := control.ParseStatus(status)
	return id, st, err
}

// applyStatus persists a requested status and wakes the bot's runner.
func applyStatus(store *persistence.Store, sup *runner.Supervisor) control.ApplyFunc {
	return func(ctx context.Context, botID string, status models.BotStatus) error {
		if err := store.UpdateBotStatus(ctx, botID, status); err != nil {
			if errors.Is(err, persistence.ErrBotNotFound) {
				return &control.DiscardError{Err: err}
			}
			return err
		}
		sup.Notify(botID)
		return nil
	}
}

// publishedAlerts caps how many recent alerts are published for the CLI.
const publishedAlerts = 100

func publishSource(store *persistence.Store) control.Source {
	return func(ctx context.Context) (control.Published, error) {
		snaps, err := store.ListRuntime(ctx)
		if err != nil {
			return control.Published{}, err
		}
		alerts, err := store.ListAlerts(ctx, "")
		if err != nil {
			return control.Published{}, err
		}
		sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
		if len(alerts) > publishedAlerts {
			alerts = alerts[len(alerts)-publishedAlerts:]
		}
		return control.Published{WrittenAt: time.Now(), Snapshots: snaps, Alerts: alerts}, nil
	}
}

// hangups turns SIGHUP into an immediate control pass.
func hangups(ctx context.Context) <-chan struct{} {
	kick := make(chan struct{}, 1)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case kick <- struct{}{}:
				default:
				}
			}
		}
	}()
	return kick
}

func printStatus(ctx context.Context, store *persistence.Store) {
	snaps, err := store.ListRuntime(ctx)
	if err != nil {
		logger.S().Errorf("读取运行状态失败: %v", err)
		return
	}
	reporter.RenderStatus(os.Stdout, snaps, time.Now())
}

func statusLoop(ctx context.Context, store *persistence.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStatus(ctx, store)
		}
	}
}

func downloadKlines(symbol, path string, days int) error {
	symbol = strings.ToUpper(symbol)
	if path == "" {
		path = fmt.Sprintf("data/%s_1m.csv", symbol)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	end := time.Now().UTC().Truncate(time.Minute)
	d := downloader.NewKlineDownloader(downloader.NewBinanceSource(), 5, logger.L())
	return d.DownloadKlines(ctx, symbol, "1m", path, end.AddDate(0, 0, -days), end)
}

// replayPrices moves every paper venue's bot symbols through prices, one step per tick.
func replayPrices(ctx context.Context, papers map[string]*exchange.PaperExchange, bots []models.BotBundle, prices []float64, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for i := 0; i < len(prices); i++ {
		for _, b := range bots {
			if p, ok := papers[b.Bot.Exchange]; ok {
				p.SetPrice(b.Bot.Symbol, prices[i])
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	log.Info("price replay finished", zap.Int("steps", len(prices)))
}
