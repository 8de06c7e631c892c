package server

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/hub"
	"github.com/kstaniek/go-mscan/internal/metrics"
)

// startWriter batches bus frames to the client, flushing when the batch is
// full or the flush interval elapses. It owns the port's detachment.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, port *hub.Port, log *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.dropClient(port)
			s.totalDisconnected.Add(1)
			log.Info("client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			_, err := s.codec.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				return s.fail(fmt.Errorf("%w: %v", ErrConnWrite, err))
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case fr := <-port.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-port.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}
