package cmd

import (
	"os"
	"os/signal"
	"syscall"

	ftpserver "github.com/fclairamb/ftpserverlib"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/x79d8/internal/ftpbridge"
	"github.com/deploymenttheory/x79d8/internal/x79log"
	"github.com/deploymenttheory/x79d8/internal/x79store"
)

var log = x79log.For("cmd")

var serveBind string

var serveCmd = &cobra.Command{
	Use:   "serve [directory]",
	Short: "Open a store and serve it over FTP until signaled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		if err := ftpbridge.CheckLoopbackBind(serveBind); err != nil {
			return err
		}

		password, err := readPassword("store password: ")
		if err != nil {
			return err
		}

		var fatal error
		fatalCh := make(chan error, 1)
		store, err := x79store.Open(afero.NewOsFs(), dir, password, 0, func(err error) {
			log.WithError(err).Error("flusher hit a fatal error")
			select {
			case fatalCh <- err:
			default:
			}
		})
		if err != nil {
			return err
		}

		driver, err := ftpbridge.NewDriver(serveBind, store.Config(), store.Tree, store.Flusher)
		if err != nil {
			return err
		}

		server := ftpserver.NewFtpServer(driver)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-sigCh:
			log.Info("received shutdown signal")
			_ = server.Stop()
		case fatal = <-fatalCh:
			log.Info("shutting down after fatal flusher error")
			_ = server.Stop()
		}

		if err := store.Close(); err != nil {
			return err
		}
		if fatal != nil {
			return fatal
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveBind, "bind", "127.0.0.1:7968", "loopback bind address")
}
