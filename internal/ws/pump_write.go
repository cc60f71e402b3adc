package ws

import (
	"bufio"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/pubsub/internal/monitoring"
)

// writePump owns the connection writer. It batches queued frames into a
// single flush to cut syscalls and keeps the protocol ping ticker.
func (s *Session) writePump() {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"client_id": s.id,
	})

	writer := bufio.NewWriter(s.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.terminate(monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, gobwas.OpText, frame); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write frame")
				return
			}
			sent := 1
			bytes := int64(len(frame))

			// Fold whatever else is already queued into the same flush.
			n := len(s.send)
			for i := 0; i < n; i++ {
				frame = <-s.send
				if err := wsutil.WriteServerMessage(writer, gobwas.OpText, frame); err != nil {
					s.logger.Debug().Err(err).Msg("Failed to write frame")
					return
				}
				sent++
				bytes += int64(len(frame))
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to flush writer")
				return
			}
			monitoring.UpdateFrameMetrics(int64(sent), 0)
			monitoring.UpdateBytesMetrics(bytes, 0)

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, gobwas.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to send ping")
				return
			}

		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(s.conn, gobwas.OpClose, nil)
			return
		}
	}
}
