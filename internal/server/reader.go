package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/hub"
	"github.com/kstaniek/go-mscan/internal/metrics"
)

// readBatch bounds how many frames are decoded per read deadline.
const readBatch = 16

// startReader publishes frames sent by the client onto the bus.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, port *hub.Port, log *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			port.Close()
		}()
		publish := func(fr can.Frame) {
			if s.frameFilter != nil && !s.frameFilter(&fr) {
				s.totalFiltered.Add(1)
				return
			}
			metrics.IncTCPRx()
			s.hub.Publish(port, fr)
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.DecodeN(conn, readBatch, publish)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				log.Warn("client_read_error", "error", s.fail(fmt.Errorf("%w: %v", ErrConnRead, err)))
				return
			}
			select {
			case <-ctxDone:
				return
			case <-port.Closed:
				return
			default:
			}
		}
	}()
}
