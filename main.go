// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	baseerrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MatthiasValvekens/serialusb-proxy/allocator"
	"github.com/MatthiasValvekens/serialusb-proxy/descriptor"
	"github.com/MatthiasValvekens/serialusb-proxy/event"
	"github.com/MatthiasValvekens/serialusb-proxy/protocol"
	"github.com/MatthiasValvekens/serialusb-proxy/proxy"
	"github.com/MatthiasValvekens/serialusb-proxy/serial"
	"github.com/MatthiasValvekens/serialusb-proxy/usb"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

func newLogger(logLevel string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	vendor, err := parseID("vendor")
	if err != nil {
		return err
	}
	product, err := parseID("product")
	if err != nil {
		return err
	}
	target, err := getTarget()
	if err != nil {
		return err
	}

	enumerator := usb.NewEnumerator(os.DirFS(usb.Sys), log.With(logger, "component", "sysfs"))
	devices, err := enumerator.List(vendor, product)
	if err != nil {
		return err
	}

	port := viper.GetString("port")
	if port == "" {
		usb.RenderDevices(os.Stdout, devices)
		return nil
	}

	selected, err := selectDevice(devices, viper.GetString("device"), os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	vendorName, productName := selected.Names()
	_ = level.Info(logger).Log("msg", "selected device", "busId", selected.BusID, "vendor", vendorName, "product", productName, "speed", selected.Speed)

	if viper.GetBool("priority") {
		if err := raisePriority(); err != nil {
			_ = level.Warn(logger).Log("msg", "running with the default priority", "err", err)
		}
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	serialPort, err := serial.Open(serial.OpenPort, port, viper.GetInt("baudrate"), log.With(logger, "component", "serial"))
	if err != nil {
		return err
	}
	link := serial.NewLink(serialPort, log.With(logger, "component", "serial"), r)

	engine := usb.NewEngine(log.With(logger, "component", "usb"))
	defer func() {
		_ = engine.Close()
	}()

	loop := event.NewLoop()
	var session *proxy.Session
	device, err := engine.Open(selected.BusID, func(t usb.Transfer) {
		loop.Post(func() error {
			return session.HandleTransfer(t)
		})
	})
	if err != nil {
		_ = link.Close()
		return err
	}

	tree, err := descriptor.Fetch(device, log.With(logger, "component", "descriptor"))
	if err == nil {
		session, err = proxy.New(tree, proxy.Options{
			Target:           target,
			HandshakeTimeout: viper.GetDuration("handshake-timeout"),
		}, log.With(logger, "component", "proxy"), r)
	}
	if err != nil {
		_ = link.Close()
		_ = device.Close()
		return err
	}

	_, _ = fmt.Fprintln(os.Stdout, "Target endpoints:")
	allocator.RenderSet(os.Stdout, &target)
	_, _ = fmt.Fprintln(os.Stdout, "Endpoint map:")
	session.Map().Render(os.Stdout)
	_, _ = fmt.Fprintln(os.Stdout, "Configuration 0:")
	session.Report().Render(os.Stdout)

	var g run.Group
	if listen := viper.GetString("listen"); listen != "" {
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		l, err := net.Listen("tcp", listen)
		if err != nil {
			_ = link.Close()
			_ = device.Close()
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; resetting the adapter")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	// The session lives on the loop; the link must stay open until the
	// adapter has been reset.
	terminated := make(chan struct{})
	{
		ctx, cancel := context.WithCancel(context.Background())
		loop.Post(func() error {
			return session.Start(device, link, loop)
		})
		g.Add(func() error {
			err := loop.Run(ctx)
			if termErr := session.Terminate(); termErr != nil {
				_ = level.Warn(logger).Log("msg", "failed to release the device", "err", termErr)
			}
			close(terminated)
			return err
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			return link.Run(func(p protocol.Packet) error {
				loop.Post(func() error {
					return session.HandlePacket(p)
				})
				return nil
			})
		}, func(error) {
			<-terminated
			_ = link.Close()
		})
	}

	_ = level.Info(logger).Log("msg", "starting the proxy", "port", port, "device", selected.BusID)
	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		if baseerrors.Is(err, proxy.ErrHandshakeTimeout) {
			_, _ = fmt.Fprintf(os.Stderr, "failed to start: %v\n", proxy.ErrHandshakeTimeout)
			os.Exit(2)
		}
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
