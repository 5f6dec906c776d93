package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"delayflow/internal/config"
	"delayflow/internal/model"
)

func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.BufferedEvent, logger *slog.Logger) net.Listener {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, out, logger)
		}
	}()
	return ln
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, out chan<- model.BufferedEvent, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		sendLine(ctx, scanner.Text(), "tcp_stream", out, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}

func sendLine(ctx context.Context, line, source string, out chan<- model.BufferedEvent, logger *slog.Logger) {
	if strings.TrimSpace(line) == "" {
		return
	}
	events, errs := DecodeEvents([]byte(line))
	if len(errs) > 0 && logger != nil {
		logger.Warn("ingest decode error", "source", source, "err", errs[0])
	}
	for _, ev := range events {
		SendNonBlocking(ctx, out, ev, logger)
	}
}
