// Command node is the raftsql server binary: cobra root command with
// "serve" and "generate-config" subcommands, viper-bound flags merged with
// an optional config file, matching nireo-dcache/cmd/dcache/main.go's
// parseFlags/setupConf/runService shape, generalized to this node's dual
// Raft groups and its shared cmux-demultiplexed listener.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/nireo/raftsql/cachestore"
	raftcfg "github.com/nireo/raftsql/config"
	"github.com/nireo/raftsql/httpapi"
	"github.com/nireo/raftsql/logstore"
	"github.com/nireo/raftsql/raftnode"
	"github.com/nireo/raftsql/security"
	"github.com/nireo/raftsql/sqlstore"
	"github.com/nireo/raftsql/stream"
)

func main() {
	root := &cobra.Command{Use: "node"}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a raftsql node.",
		RunE:  runServe,
	}
	if err := bindServeFlags(serveCmd); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err)
		os.Exit(1)
	}

	genConfigCmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Write a default configuration file.",
		RunE:  runGenerateConfig,
	}
	genConfigCmd.Flags().String("out", "raftsql.yaml", "Path to write the generated config file.")

	root.AddCommand(serveCmd, genConfigCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error running node: %s\n", err)
		os.Exit(1)
	}
}

func bindServeFlags(cmd *cobra.Command) error {
	cmd.Flags().String("conf", "", "Path to a YAML configuration file.")
	cmd.Flags().String("data-dir", "", "Where to store raft logs and state machines.")
	cmd.Flags().String("id", "", "This node's raft server id.")
	cmd.Flags().String("raft-addr", "", "Shared address for raft, stream and admin traffic.")
	cmd.Flags().Bool("bootstrap", false, "Whether this node should bootstrap the cluster.")
	cmd.Flags().String("api-secret", "", "Shared secret guarding the stream handshake and HTTP admin surface.")
	cmd.Flags().String("raft-secret", "", "Shared secret authenticating node-to-node raft traffic.")
	return viper.BindPFlags(cmd.Flags())
}

func runGenerateConfig(cmd *cobra.Command, args []string) error {
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	return raftcfg.WriteDefault(out)
}

func runServe(cmd *cobra.Command, args []string) error {
	confFile, _ := cmd.Flags().GetString("conf")
	cfg, err := raftcfg.Load(confFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(&cfg)

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	listener, err := net.Listen("tcp", cfg.RaftAddr)
	if err != nil {
		return err
	}

	// raft, stream and admin traffic all share this one listener, so a
	// single ServerTLS config (when configured) terminates TLS for all
	// three before cmux ever inspects the plaintext.
	listener, err = security.WrapListener(listener, cfg.ServerTLS)
	if err != nil {
		return err
	}

	peerTLS, err := security.DialerTLS(cfg.PeerTLS)
	if err != nil {
		return err
	}

	mux := cmux.New(listener)
	raftListener := mux.Match(raftnode.MatchRaft)
	streamListener := mux.Match(cmux.HTTP1HeaderField("Upgrade", "websocket"))
	adminListener := mux.Match(cmux.Any())

	ls, err := logstore.New(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	sqlStore, err := sqlstore.New(sqlstore.Config{DataDir: cfg.DataDir}, logger)
	if err != nil {
		return err
	}
	cacheStore := cachestore.New(cfg.CacheNames, logger)

	demuxer := raftnode.NewDemuxer(raftListener, []byte(cfg.RaftSecret), peerTLS)
	node, err := raftnode.New(raftnode.Config{
		DataDir:          cfg.DataDir,
		LocalID:          raft.ServerID(cfg.NodeID),
		LocalAddr:        raft.ServerAddress(cfg.RaftAddr),
		Bootstrap:        cfg.Bootstrap,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ElectionTimeout:  cfg.ElectionTimeout,
		CommitTimeout:    cfg.CommitTimeout,
		SnapshotInterval: cfg.SnapshotInterval,
		Demuxer:          demuxer,
	}, ls, sqlStore, cacheStore, logger)
	if err != nil {
		return err
	}

	streamServer := stream.New(node, sqlStore, cacheStore, cfg.APISecret, logger)
	httpServer := &http.Server{Handler: streamServer}
	go func() {
		if err := httpServer.Serve(streamListener); err != nil {
			logger.Warn("stream listener stopped", zap.Error(err))
		}
	}()

	adminServer := httpapi.New(node, cfg.APISecret, logger)
	go func() {
		if err := fasthttp.Serve(adminListener, adminServer.Handler); err != nil {
			logger.Warn("admin listener stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := mux.Serve(); err != nil {
			logger.Warn("connection mux stopped", zap.Error(err))
		}
	}()

	logger.Info("node started",
		zap.String("id", cfg.NodeID),
		zap.String("raft_addr", cfg.RaftAddr),
		zap.Bool("bootstrap", cfg.Bootstrap))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stream server shutdown error", zap.Error(err))
	}

	if err := node.Shutdown(); err != nil {
		logger.Warn("raft shutdown error", zap.Error(err))
	}
	if err := sqlStore.Close(); err != nil {
		logger.Warn("sql store close error", zap.Error(err))
	}
	if err := ls.Close(); err != nil {
		logger.Warn("log store close error", zap.Error(err))
	}
	mux.Close()
	return nil
}

func applyFlagOverrides(cfg *raftcfg.Config) {
	if v := viper.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("id"); v != "" {
		cfg.NodeID = v
	}
	if v := viper.GetString("raft-addr"); v != "" {
		cfg.RaftAddr = v
	}
	if viper.IsSet("bootstrap") {
		cfg.Bootstrap = viper.GetBool("bootstrap")
	}
	if v := viper.GetString("api-secret"); v != "" {
		cfg.APISecret = v
	}
	if v := viper.GetString("raft-secret"); v != "" {
		cfg.RaftSecret = v
	}
}

