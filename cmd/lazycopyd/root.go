// Package main implements lazycopyd, the process that stands in for
// the OS-specific filter registration this repository's core leaves
// out of scope: it wires driverconfig, filelock, streamctx, fetch and
// the helper listener together into an interceptor.Interceptor. No
// filesystem embedding calls that Interceptor here; the process itself
// only serves helper commands.
//
// Structured the way gcsfuse's cmd/root.go wires its own cobra root
// command: flags bound through cfg.BindFlags, config loaded into a
// package-level Config, validated, then acted on in RunE.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aleksk/LazyCopy/cfg"
	"github.com/aleksk/LazyCopy/driverconfig"
	"github.com/aleksk/LazyCopy/events"
	"github.com/aleksk/LazyCopy/fetch"
	"github.com/aleksk/LazyCopy/filelock"
	"github.com/aleksk/LazyCopy/helper"
	"github.com/aleksk/LazyCopy/interceptor"
	"github.com/aleksk/LazyCopy/logger"
	"github.com/aleksk/LazyCopy/remote"
	"github.com/aleksk/LazyCopy/streamctx"
)

var config cfg.Config

// driverVersion is reported to the helper on get_version; bumped
// whenever the wire protocol in the helper package changes shape.
var driverVersion = helper.Version{Major: 1, Minor: 0}

var rootCmd = &cobra.Command{
	Use:   "lazycopyd",
	Short: "Runs the lazy-materialization interceptor and helper listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := cfg.Load()
		if err != nil {
			return fmt.Errorf("cfg.Load: %w", err)
		}
		config = *loaded

		if err := logger.Init(logger.Config{
			Format:    config.Logger.Format,
			Filename:  config.Logger.FilePath,
			MaxSizeMB: config.Logger.MaxSizeMB,
			Severity:  config.Logger.Severity,
		}); err != nil {
			return fmt.Errorf("logger.Init: %w", err)
		}

		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	store := driverconfig.NewStore()
	mode := driverconfig.Mode(0)
	if config.FetchEnabled {
		mode |= driverconfig.FetchEnabled
	}
	if config.WatchEnabled {
		mode |= driverconfig.WatchEnabled
	}
	store.SetMode(mode)
	store.SetReportRate(config.ReportRate)
	store.SetWatchPaths(config.WatchPaths)
	store.SetTrustedPIDs(config.TrustedPIDs)

	ln, err := helper.Listen(config.HelperSocket)
	if err != nil {
		return fmt.Errorf("helper.Listen: %w", err)
	}
	defer ln.Close()

	direct := remote.DirectOpener{}
	var opener remote.Opener = direct
	if config.RemoteBackend == "gcs" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("storage.NewClient: %w", err)
		}
		defer client.Close()
		gcsOpener := remote.GCSOpener{Client: client, Bucket: config.GCSBucket}
		opener = openerFunc(func(ctx context.Context, path string) (fetch.SizedReaderAt, io.Closer, error) {
			return remote.ResolveBackend(path, direct, gcsOpener).Open(ctx, path)
		})
	}

	ic := &interceptor.Interceptor{
		FS:       interceptor.OSFilesystem{},
		Config:   store,
		Locks:    filelock.NewRegistry(),
		Contexts: streamctx.NewStore(),
		Engine:   fetch.NewEngine(),
		Opener:   opener,
		Events:   events.NewEmitter(store),
	}

	logger.Infof("lazycopyd listening on %s", config.HelperSocket)

	for {
		session, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("helper.Accept: %w", err)
		}
		go serveSession(ctx, session, store, ic)
	}
}

// serveSession drives one accepted helper connection. Per spec section
// 4.4's connect handshake, the helper's pid is added to trusted_pids
// for the session's lifetime and removed again once it disconnects.
func serveSession(ctx context.Context, session *helper.Session, store *driverconfig.Store, ic *interceptor.Interceptor) {
	store.AddTrustedPID(uint32(session.PeerPID))
	defer store.RemoveTrustedPID(uint32(session.PeerPID))
	defer session.Close()
	logger.Infof("helper connected: session=%s pid=%d", session.ID, session.PeerPID)

	for cmd := range session.Commands() {
		switch cmd.Type {
		case helper.GetDriverVersion:
			cmd.Reply(helper.EncodeVersion(driverVersion))
		case helper.ReloadConfig:
			if err := reloadConfig(store); err != nil {
				logger.Errorf("reload_config failed: %v", err)
			}
			cmd.Reply(nil)
		case helper.SetOperationMode:
			store.SetMode(driverconfig.Mode(cmd.Mode))
			cmd.Reply(nil)
		case helper.SetReportRate:
			store.SetReportRate(cmd.Rate)
			cmd.Reply(nil)
		case helper.SetWatchPaths:
			store.SetWatchPaths(cmd.Paths)
			cmd.Reply(nil)
		default:
			cmd.Reply(nil)
		}
	}
}

// reloadConfig re-reads the opaque config source and pushes the result
// into store under its own lock in one shot, matching reload_config's
// documented effect (spec section 4.4).
func reloadConfig(store *driverconfig.Store) error {
	loaded, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("cfg.Load: %w", err)
	}

	mode := driverconfig.Mode(0)
	if loaded.FetchEnabled {
		mode |= driverconfig.FetchEnabled
	}
	if loaded.WatchEnabled {
		mode |= driverconfig.WatchEnabled
	}
	store.Reload(mode, loaded.ReportRate, loaded.WatchPaths)
	return nil
}

type openerFunc func(ctx context.Context, path string) (fetch.SizedReaderAt, io.Closer, error)

func (f openerFunc) Open(ctx context.Context, path string) (fetch.SizedReaderAt, io.Closer, error) {
	return f(ctx, path)
}

func main() {
	rootCmd.SilenceUsage = true
	if err := cfg.BindFlags(rootCmd.Flags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
