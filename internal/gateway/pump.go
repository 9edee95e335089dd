package gateway

import (
	"bufio"
	"errors"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/kha997/zenamanagephp-sub064/internal/protocol"
)

// PumpConfig holds socket timing and size limits
type PumpConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (p PumpConfig) pingPeriod() time.Duration {
	return p.PongWait * 9 / 10
}

// readPump reads frames until the socket fails or the connection is closed.
// Control frames are answered inline and refresh the read deadline, so a
// client that only answers pings stays connected.
func (r *Registry) readPump(c *Connection, cfg PumpConfig) {
	// Panic recovery must be the first defer so it also covers teardown
	defer monitoring.RecoverPanic(r.logger, "readPump", map[string]any{
		"connection_id": c.id,
	})

	reason := monitoring.DisconnectReasonReadError
	defer func() {
		r.Close(c, reason)
	}()

	control := wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					reason = monitoring.DisconnectReasonClientClose
				}
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		if int64(hdr.Length) > cfg.MaxMessageSize {
			monitoring.RecordProtocolError(protocol.CodeInvalidMessageFormat)
			reason = monitoring.DisconnectReasonProtocol
			return
		}

		// Fragmented messages report only the first fragment's length
		msg, err := io.ReadAll(io.LimitReader(rd, cfg.MaxMessageSize+1))
		if err != nil {
			return
		}
		if int64(len(msg)) > cfg.MaxMessageSize {
			monitoring.RecordProtocolError(protocol.CodeInvalidMessageFormat)
			reason = monitoring.DisconnectReasonProtocol
			return
		}

		monitoring.RecordFrameReceived(len(msg))
		if hdr.OpCode == ws.OpBinary {
			r.replyError(c, protocol.CodeInvalidMessageFormat, "binary frames are not supported")
			continue
		}
		r.HandleMessage(c, msg)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// writePump drains the send queue in batches and pings on a timer.
// It exits when the connection is closed or a write fails.
func (r *Registry) writePump(c *Connection, cfg PumpConfig) {
	defer monitoring.RecoverPanic(r.logger, "writePump", map[string]any{
		"connection_id": c.id,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(cfg.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			if err := r.writeBatch(c, writer, message, cfg.WriteWait); err != nil {
				r.logger.Debug().Err(err).Int64("connection_id", c.id).Msg("Failed to write message")
				r.Close(c, monitoring.DisconnectReasonWriteError)
				return
			}

		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil)
			c.writeMu.Unlock()
			if err != nil {
				r.logger.Debug().Err(err).Int64("connection_id", c.id).Msg("Failed to send ping")
				r.Close(c, monitoring.DisconnectReasonWriteError)
				return
			}

		case <-c.done:
			// Close has already sent any close frame and released the socket
			return
		}
	}
}

// writeBatch writes first plus whatever is already queued, then flushes once
func (r *Registry) writeBatch(c *Connection, writer *bufio.Writer, first []byte, writeWait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := wsutil.WriteServerMessage(writer, ws.OpText, first); err != nil {
		return err
	}
	monitoring.RecordFrameSent(len(first))

	n := len(c.send)
	for i := 0; i < n; i++ {
		message := <-c.send
		if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
			return err
		}
		monitoring.RecordFrameSent(len(message))
	}

	return writer.Flush()
}
