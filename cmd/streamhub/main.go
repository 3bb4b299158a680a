// Command streamhub runs the live-streaming media server: RTMP, SRT and
// WebRTC in, RTMP, HTTP-FLV, HLS and WebRTC out.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethan/streamhub/pkg/api"
	"github.com/ethan/streamhub/pkg/breaker"
	"github.com/ethan/streamhub/pkg/bridge"
	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/coworkers"
	"github.com/ethan/streamhub/pkg/heartbeat"
	"github.com/ethan/streamhub/pkg/hls"
	"github.com/ethan/streamhub/pkg/httpflv"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/pithy"
	"github.com/ethan/streamhub/pkg/resource"
	"github.com/ethan/streamhub/pkg/rtc"
	"github.com/ethan/streamhub/pkg/rtmp"
	"github.com/ethan/streamhub/pkg/srt"
	"github.com/ethan/streamhub/pkg/stream"
	"github.com/ethan/streamhub/pkg/token"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to key=value config file")
		logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		logFormat     = flag.String("log-format", "console", "Log format: console or json")
		logFile       = flag.String("log-file", "", "Log output file (default stdout)")
		logCategories = flag.String("log-categories", "", "Comma-separated debug categories (rtp,nal,track,rtmp,srt,hls,webrtc,all)")
	)
	flag.Parse()

	if err := run(*configPath, *logLevel, *logFormat, *logFile, *logCategories); err != nil {
		fmt.Fprintf(os.Stderr, "streamhub: %v\n", err)
		os.Exit(1)
	}
}

// services is the composition root: every process-wide collaborator is
// constructed once here and handed to components explicitly.
type services struct {
	cfg        *config.Config
	clock      coro.Clock
	timers     *coro.SharedTimer
	stages     *pithy.Stages
	tokens     *token.Manager
	manager    *resource.Manager
	sources    *stream.SourceManager
	rtcSources *rtc.SourceManager
	hlsPool    *hls.MuxerPool
	sessions   *hls.SessionManager
	breaker    *breaker.Breaker
	directory  *coworkers.Directory
	heart      *heartbeat.Heartbeat
	async      *coro.AsyncCallWorker
}

func run(configPath, logLevel, logFormat, logFile, logCategories string) error {
	logCfg := logger.NewConfig()
	if lvl, err := logger.ParseLevel(logLevel); err == nil {
		logCfg.Level = lvl
	}
	if format, err := logger.ParseFormat(logFormat); err == nil {
		logCfg.Format = format
	}
	logCfg.OutputFile = logFile
	for _, cat := range strings.Split(logCategories, ",") {
		if cat != "" {
			logCfg.EnableCategory(logger.DebugCategory(cat))
		}
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logger.SetDefault(log)

	cfg := config.Default()
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	svc := &services{
		cfg:        cfg,
		clock:      coro.RealClock(),
		stages:     pithy.NewStages(cfg.PithyPrintInterval),
		tokens:     token.NewManager(),
		manager:    resource.NewManager("conns"),
		rtcSources: rtc.NewSourceManager(),
		hlsPool:    hls.NewMuxerPool(cfg.HLS),
	}
	svc.timers = coro.NewSharedTimer(svc.clock)
	svc.sources = stream.NewSourceManager(stream.ConsumerConfig{
		MaxPackets:  cfg.Consumer.MaxPackets,
		MaxDuration: cfg.Consumer.MaxDuration,
	})
	svc.sessions = hls.NewSessionManager(cfg.HLS.SessionIdle, svc.clock)
	svc.breaker = breaker.New(cfg.Breaker, nil)
	svc.directory = coworkers.NewDirectory(cfg.RTMPListen, cfg.HTTPListen, cfg.Coworker)
	svc.async = coro.NewAsyncCallWorker()
	// The heartbeat POST blocks, so it rides the async worker instead of
	// the shared timer coroutine.
	svc.heart = heartbeat.New(cfg, nil, svc.async)

	if err := svc.async.Start(); err != nil {
		return fmt.Errorf("start async worker: %w", err)
	}
	defer svc.async.Stop()

	if err := svc.timers.Initialize(); err != nil {
		return fmt.Errorf("start shared timers: %w", err)
	}
	defer svc.timers.Close()

	svc.timers.Timer1s().Subscribe(svc.breaker)
	svc.timers.Timer5s().Subscribe(svc.sessions)
	if cfg.Heart.Enabled {
		svc.timers.Timer5s().Subscribe(svc.heart)
	}

	if err := svc.manager.Start(); err != nil {
		return fmt.Errorf("start resource manager: %w", err)
	}
	defer svc.manager.Stop()

	// publishHook installs the cross-domain bridges and the coworker
	// snapshot on every publish edge.
	publishHook := func(src *stream.LiveSource, req *stream.Request, cid coro.ContextId) error {
		composite := bridge.NewComposite()
		if cfg.RTC.Enabled {
			rtcSrc := svc.rtcSources.FetchOrCreate(req)
			composite.Append(bridge.NewFrameToRtcBridge(rtcSrc, cid))
		}
		if cfg.HLS.Enabled {
			composite.Append(svc.hlsPool.FetchOrCreate(req))
		}
		if err := composite.Initialize(req); err != nil {
			return err
		}
		src.SetBridge(composite)
		src.Subscribe(svc.directory)
		return nil
	}

	rtmpSrv := rtmp.NewServer(cfg, svc.sources, svc.tokens, svc.manager, svc.stages)
	rtmpSrv.PublishHook = publishHook
	if err := rtmpSrv.Listen(); err != nil {
		return err
	}
	defer rtmpSrv.Close()

	srtSrv := srt.NewServer(cfg, svc.sources, svc.tokens, svc.manager, svc.stages)
	srtSrv.PublishHook = publishHook
	if cfg.SRTListen != "" {
		if err := srtSrv.Listen(); err != nil {
			return err
		}
		defer srtSrv.Close()
	}

	flvCaster := httpflv.NewCaster(cfg, svc.sources, svc.tokens, svc.stages)
	flvCaster.PublishHook = publishHook

	apiSrv := api.NewServer(cfg, svc.sources, svc.rtcSources, svc.tokens, svc.manager,
		flvCaster, svc.sessions, svc.directory, svc.breaker, svc.timers.Timer20ms())
	apiSrv.PublishHook = func(src *stream.LiveSource, req *stream.Request, cid coro.ContextId) error {
		// A WHIP publisher feeds the live domain through the frame
		// builder; the RTC side is the origin so no RTC bridge here.
		composite := bridge.NewComposite()
		if cfg.HLS.Enabled {
			composite.Append(svc.hlsPool.FetchOrCreate(req))
		}
		if err := composite.Initialize(req); err != nil {
			return err
		}
		src.SetBridge(composite)
		src.Subscribe(svc.directory)

		rtcSrc := svc.rtcSources.FetchOrCreate(req)
		rtcSrc.AppendBridge(bridge.NewRtcToFrameBridge(src, nil, cid))
		return nil
	}
	if err := apiSrv.Listen(); err != nil {
		return err
	}
	defer apiSrv.Close()

	logger.Info("streamhub started",
		"rtmp", cfg.RTMPListen, "http", cfg.HTTPListen, "srt", cfg.SRTListen,
		"pid", os.Getpid())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	logger.Info("shutting down", "signal", got.String())

	// Give in-flight disposals a moment before the deferred teardowns.
	time.Sleep(100 * time.Millisecond)
	svc.hlsPool.Dispose()
	return nil
}
