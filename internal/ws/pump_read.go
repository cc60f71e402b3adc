package ws

import (
	"errors"
	"io"
	"net"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/pubsub/internal/monitoring"
)

// readPump reads frames from the connection until it fails or closes.
// Every exit path tears the session down.
func (s *Session) readPump() {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"client_id": s.id,
	})

	var disconnectReason string
	var initiatedBy string

	defer func() {
		if disconnectReason == "" {
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
		}
		s.terminate(disconnectReason, initiatedBy)
	}()

	controlHandler := wsutil.ControlFrameHandler(s.conn, gobwas.StateServerSide)
	reader := wsutil.Reader{
		Source:         s.conn,
		State:          gobwas.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}

	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			disconnectReason, initiatedBy = readErrorReason(err)
			return
		}

		if hdr.OpCode.IsControl() {
			if hdr.OpCode == gobwas.OpPong {
				s.conn.SetReadDeadline(time.Now().Add(pongWait))
			}
			if err := controlHandler(hdr, &reader); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					disconnectReason = monitoring.DisconnectReasonClientInitiated
					initiatedBy = monitoring.DisconnectInitiatedByClient
				} else {
					disconnectReason, initiatedBy = readErrorReason(err)
				}
				return
			}
			continue
		}

		if hdr.OpCode&(gobwas.OpText|gobwas.OpBinary) == 0 {
			if err := reader.Discard(); err != nil {
				disconnectReason, initiatedBy = readErrorReason(err)
				return
			}
			continue
		}

		payload, err := io.ReadAll(&reader)
		if err != nil {
			disconnectReason, initiatedBy = readErrorReason(err)
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		monitoring.UpdateFrameMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(payload)))

		if !s.limiter.Allow() {
			monitoring.IncrementRateLimitedFrames()
			s.logger.Warn().Msg("Session rate limited")
			s.sendError(codeRateLimited, "Too many messages, please slow down", nil)
			continue
		}

		s.handleFrame(payload)
	}
}

// readErrorReason maps a transport read failure onto disconnect
// accounting. Deadline expiry means the peer stopped answering pings.
func readErrorReason(err error) (reason, initiatedBy string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return monitoring.DisconnectReasonPingTimeout, monitoring.DisconnectInitiatedByServer
	}
	return monitoring.DisconnectReasonReadError, monitoring.DisconnectInitiatedByClient
}
