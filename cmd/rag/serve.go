package main

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"ragindex/internal/server"
)

func NewServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			gin.SetMode(cfg.Server.Mode)

			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			srv := server.New(svc, server.Options{
				MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
				DocumentRoot:   cfg.Server.DocumentRoot,
				Logger:         a.logger.With("component", "http"),
			})
			return srv.Run(cmd.Context(), cfg.Server.Addr)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default from config)")
	return cmd
}
