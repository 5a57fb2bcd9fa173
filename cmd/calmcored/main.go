// calmcored is a minimal standalone host for calmcore: it opens a Host
// over a data directory and idles, running the background rotation and
// persist worker, until it receives a termination signal.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cubeflow-ai/calmcore"
)

func main() {
	dir := flag.String("dir", "./data", "root directory holding engine directories")
	jobInterval := flag.Duration("job-interval", 30*time.Second, "background rotate/persist interval")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	host, err := calmcore.Open(calmcore.HostConfig{
		Dir:         *dir,
		JobInterval: *jobInterval,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("calmcored: failed to open host", zap.Error(err))
	}

	logger.Info("calmcored: started", zap.String("dir", *dir))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("calmcored: shutting down")
	if err := host.Close(); err != nil {
		logger.Error("calmcored: error during shutdown", zap.Error(err))
	}
}
