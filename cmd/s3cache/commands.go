package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/scheduler"
	"github.com/mdouchement/s3cache/internal/service"
	"github.com/mdouchement/s3cache/internal/walker"
	"github.com/mdouchement/s3cache/internal/webserver"
)

func (app *application) listCommand() *cobra.Command {
	var name string

	c := &cobra.Command{
		Use:   "list",
		Short: "List the snapshots, or the files of one snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, release, err := app.controller(cmd)
			if err != nil {
				return err
			}
			defer release()

			snapshots := service.NewSnapshots(ctrl)

			if name == "" {
				for snapshot, err := range snapshots.List(cmd.Context()) {
					if err != nil {
						return err
					}
					fmt.Fprintln(app.stdout, snapshot)
				}
				return nil
			}

			//

			manifest, err := snapshots.Show(cmd.Context(), name)
			if err != nil {
				return err
			}

			width := 30
			for _, entry := range manifest.Files {
				width = max(width, len(entry.Path))
			}
			for _, entry := range manifest.Files {
				fmt.Fprintf(app.stdout, "%-*s %10d\n", width, entry.Path, entry.Size)
			}
			return nil
		},
	}
	c.Flags().StringVar(&name, "name", "", "Snapshot whose files are listed")

	return c
}

func (app *application) uploadCommand() *cobra.Command {
	var name string
	var recursive bool

	c := &cobra.Command{
		Use:   "upload --name NAME PATH...",
		Short: "Upload files as a named snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, release, err := app.controller(cmd)
			if err != nil {
				return err
			}
			defer release()

			_, err = service.NewUploader(ctrl).Upload(cmd.Context(), name, walker.Walk(args, recursive))
			return err
		},
	}
	c.Flags().StringVar(&name, "name", "", "Snapshot name")
	c.Flags().BoolVarP(&recursive, "recurse", "r", false, "Walk the given directories")
	c.MarkFlagRequired("name")

	return c
}

func (app *application) downloadCommand() *cobra.Command {
	var name string
	var outpath string

	c := &cobra.Command{
		Use:   "download --name NAME --outpath PATH",
		Short: "Rebuild the files of a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, release, err := app.controller(cmd)
			if err != nil {
				return err
			}
			defer release()

			_, err = service.NewDownloader(ctrl).Download(cmd.Context(), name, outpath)
			return err
		},
	}
	c.Flags().StringVar(&name, "name", "", "Snapshot name")
	c.Flags().StringVar(&outpath, "outpath", ".", "Directory where the files are written")
	c.MarkFlagRequired("name")

	return c
}

func (app *application) deleteCommand() *cobra.Command {
	var name string
	var force bool

	c := &cobra.Command{
		Use:   "delete --name NAME",
		Short: "Delete a snapshot, its blobs are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, release, err := app.controller(cmd)
			if err != nil {
				return err
			}
			defer release()

			err = service.NewSnapshots(ctrl).Delete(cmd.Context(), name)
			if force && cacheerror.Is(err, cacheerror.NotFound) {
				ctrl.Logger.Infof("Snapshot %s already absent", name)
				return nil
			}
			return err
		},
	}
	c.Flags().StringVar(&name, "name", "", "Snapshot name")
	c.Flags().BoolVarP(&force, "force", "f", false, "Succeed when the snapshot does not exist")
	c.MarkFlagRequired("name")

	return c
}

func (app *application) serveCommand() *cobra.Command {
	var binding string
	var port string
	var token string
	var refresh string

	c := &cobra.Command{
		Use:   "serve",
		Short: "Start a read-only HTTP browser over the snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, release, err := app.controller(cmd)
			if err != nil {
				return err
			}
			defer release()

			if token == "" {
				token = envORdefault("S3CACHE_TOKEN", "")
			}

			//

			sctrl := scheduler.Controller{
				Logger:        ctrl.Logger,
				Service:       ctrl,
				Catalog:       &scheduler.Catalog{},
				Specification: refresh,
			}
			if err = scheduler.Refresh(cmd.Context(), sctrl); err != nil {
				ctrl.Logger.Warnf("Initial catalog refresh failed: %s", err)
			}
			cron, err := scheduler.Start(cmd.Context(), sctrl)
			if err != nil {
				return cacheerror.New(cacheerror.Invalid, "serve", err)
			}
			defer cron.Stop()

			//

			engine := webserver.EchoEngine(webserver.Controller{
				Version: cmd.Root().Version,
				Logger:  ctrl.Logger,
				Service: ctrl,
				Catalog: sctrl.Catalog,
				Token:   token,
				Debug:   app.cfg.LogLevel == "debug",
			})
			webserver.PrintRoutes(engine)

			go func() {
				<-cmd.Context().Done()
				engine.Close()
			}()

			listen := fmt.Sprintf("%s:%s", binding, port)
			ctrl.Logger.Infof("Server listening on %s", listen)
			err = engine.Start(listen)
			if cmd.Context().Err() != nil {
				return nil
			}
			return errors.Wrap(err, "could not run server")
		},
	}
	c.Flags().StringVarP(&binding, "binding", "b", "0.0.0.0", "Server's binding")
	c.Flags().StringVarP(&port, "port", "p", "5000", "Server's port")
	c.Flags().StringVar(&refresh, "refresh", "@every 1m", "Cron specification of the catalog refresh")
	c.Flags().StringVar(&token, "token", "", "X-Auth-Token required to browse the snapshots (S3CACHE_TOKEN)")

	return c
}
