package cli

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/mudler/sdxl-worker/core/application"
	cliContext "github.com/mudler/sdxl-worker/core/cli/context"
	"github.com/mudler/sdxl-worker/core/config"
	"github.com/mudler/sdxl-worker/core/http"
	"github.com/mudler/sdxl-worker/pkg/signals"
	"github.com/mudler/xlog"
)

type RunCMD struct {
	WorkerFlags `embed:""`

	Address                string `env:"SDXL_ADDRESS,ADDRESS" default:":8080" help:"Bind address for the API server" group:"api"`
	UploadLimit            int    `env:"SDXL_UPLOAD_LIMIT,UPLOAD_LIMIT" default:"15" help:"Request body limit in MB" group:"api"`
	DisableMetricsEndpoint bool   `env:"SDXL_DISABLE_METRICS_ENDPOINT,DISABLE_METRICS_ENDPOINT" default:"false" help:"Disable the /metrics endpoint" group:"api"`
	Preload                bool   `env:"SDXL_PRELOAD" default:"true" negatable:"" help:"Load the model at startup instead of on the first request" group:"model"`
}

func (r *RunCMD) Run(ctx *cliContext.Context) error {
	opts, err := r.appOptions()
	if err != nil {
		return err
	}
	opts = append(opts,
		config.WithContext(context.Background()),
		config.WithAddress(r.Address),
		config.WithUploadLimitMB(r.UploadLimit),
		config.WithPreload(r.Preload),
	)
	if r.DisableMetricsEndpoint {
		opts = append(opts, config.DisableMetricsEndpoint)
	}

	app, err := application.New(opts...)
	if err != nil {
		return fmt.Errorf("failed basic startup tasks with error %s", err.Error())
	}

	appHTTP, err := http.API(app)
	if err != nil {
		xlog.Error("error during HTTP App construction", "error", err)
		return err
	}

	signals.RegisterGracefulTerminationHandler(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := appHTTP.Shutdown(shutdownCtx); err != nil {
			xlog.Error("error while stopping the API server", "error", err)
		}
		if err := app.Shutdown(shutdownCtx); err != nil {
			xlog.Error("error while releasing the model", "error", err)
		}
	})

	// /readyz turns green once the preload completes.
	go app.Start()

	xlog.Info("sdxl-worker is started and running", "address", r.Address)

	if err := appHTTP.Start(r.Address); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}
