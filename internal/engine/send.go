package engine

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ronifue/peershare/internal/backpressure"
	"github.com/Ronifue/peershare/internal/chunkplan"
	"github.com/Ronifue/peershare/internal/integrity"
	"github.com/Ronifue/peershare/internal/overrides"
	"github.com/Ronifue/peershare/internal/store"
)

// outgoingTransfer tracks one in-flight offer awaiting receiver-ready.
type outgoingTransfer struct {
	meta      FileMetadata
	readyCh   chan readyResult
	startTime time.Time
}

type readyResult struct {
	resumeFromChunk int
	err             error
}

// runtimeSession lives for the lifetime of the peer connection so
// retransmit requests can be served without re-negotiating. The persistent
// store stays the source of truth for resume.
type runtimeSession struct {
	mu             sync.Mutex
	uploadID       string
	path           string
	meta           FileMetadata
	fingerprint    string
	lastModified   int64
	chunkChecksums []string
	fileChecksum   string
	status         string
	remotePeerID   string
	attemptCount   int
}

func (rs *runtimeSession) setChecksum(i int, sum string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if i >= 0 && i < len(rs.chunkChecksums) {
		rs.chunkChecksums[i] = sum
	}
}

func (rs *runtimeSession) metadata() FileMetadata {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.meta
}

func (rs *runtimeSession) checksums() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.chunkChecksums...)
}

func (rs *runtimeSession) missingChecksumIndexes() []int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var missing []int
	for i, sum := range rs.chunkChecksums {
		if sum == "" {
			missing = append(missing, i)
		}
	}
	return missing
}

// sendMetrics accumulates the observability payload of one send.
type sendMetrics struct {
	backpressureWaits   int
	backpressureWaitMs  int64
	backpressureEvents  int
	backpressurePolling int
}

func (m *sendMetrics) record(out backpressure.Outcome) {
	m.backpressureWaits++
	m.backpressureWaitMs += out.Waited.Milliseconds()
	if out.Mode == overrides.ModeEvent {
		m.backpressureEvents++
	} else {
		m.backpressurePolling++
	}
}

// SendFile transfers one file, retrying recoverable interruptions until the
// auto-resume deadline. It returns once the remote side has been sent
// transfer-complete.
func (e *Engine) SendFile(ctx context.Context, path string) error {
	deadline := e.clock.Now().Add(e.cfg.AutoResumeMaxWait)
	for attempt := 1; ; attempt++ {
		err := e.sendOnce(ctx, path, attempt)
		if err == nil {
			return nil
		}
		if !IsRecoverableSendInterruption(err) {
			e.failRuntimeSessionFor(path)
			e.reportError(err)
			return err
		}
		if e.clock.Now().After(deadline) {
			final := wrapError(CodeAutoResumeTimeout, err, "auto-resume window exhausted after %d attempts", attempt)
			e.reportError(final)
			return final
		}
		e.emit("transfer_auto_resume_attempt", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if werr := e.waitForDataChannelReady(ctx, deadline); werr != nil {
			e.reportError(werr)
			return werr
		}
	}
}

func (e *Engine) sendOnce(ctx context.Context, path string, attempt int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file for send: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("reading file info: %w", err)
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	fingerprint := integrity.Fingerprint(name, info.Size(), mimeType, info.ModTime().UnixMilli())

	// Session selection: adopt a prior interrupted session for this file so
	// the receiver can resume from its persisted prefix.
	uploadID := uuid.NewString()
	baseChunk := e.cfg.BaseChunkSize
	localResume := 0
	adoptedChunkSize := 0
	if prior, ferr := e.store.FindOutgoingSessionByFingerprint(ctx, fingerprint, e.peerID()); ferr == nil &&
		prior.Size == info.Size() && prior.Status != store.StatusCompleted {
		uploadID = prior.UploadID
		baseChunk = prior.ChunkSize
		adoptedChunkSize = prior.ChunkSize
		localResume = prior.NextChunkIndex
	}

	plan := chunkplan.Choose(baseChunk, e.maxMessageSize(), e.sampleRTT())
	if adoptedChunkSize != 0 && plan.ChunkSize != adoptedChunkSize {
		// The chunk grid moved; prior progress is unusable.
		localResume = 0
	}
	totalChunks := integrity.CalculateTotalChunks(info.Size(), plan.ChunkSize)
	localResume = integrity.NormalizeChunkIndex(localResume, totalChunks)

	meta := FileMetadata{
		ID:              uploadID,
		UploadID:        uploadID,
		ProtocolVersion: ProtocolVersion,
		Name:            name,
		Size:            info.Size(),
		Type:            mimeType,
		ChunkSize:       plan.ChunkSize,
		TotalChunks:     totalChunks,
	}

	rs := e.ensureRuntimeSession(uploadID, path, meta, fingerprint, info.ModTime().UnixMilli())
	rs.mu.Lock()
	rs.attemptCount = attempt
	rs.status = store.StatusActive
	rs.mu.Unlock()

	ot := &outgoingTransfer{meta: meta, readyCh: make(chan readyResult, 1), startTime: e.clock.Now()}
	e.mu.Lock()
	e.offers[uploadID] = ot
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.offers, uploadID)
		e.mu.Unlock()
	}()

	if err := e.persistOutgoingSession(ctx, rs, store.StatusActive, localResume); err != nil {
		e.log.Warnf("persisting outgoing session: %v", err)
	}

	if err := e.sendControl(controlMessage{Type: msgFileOffer, Metadata: &meta}); err != nil {
		return err
	}

	var remoteResume int
	timeout := time.NewTimer(e.cfg.ReceiverReadyTimeout)
	defer timeout.Stop()
	select {
	case ready := <-ot.readyCh:
		if ready.err != nil {
			return ready.err
		}
		remoteResume = ready.resumeFromChunk
	case <-timeout.C:
		return newError(CodeTransferTimeout, "receiver-ready not observed within %s", e.cfg.ReceiverReadyTimeout)
	case <-e.closedCh:
		return newError(CodeDataChannelNotReady, "engine shut down while awaiting receiver-ready")
	case <-ctx.Done():
		return ctx.Err()
	}

	startChunk := localResume
	if remoteResume > startChunk {
		startChunk = remoteResume
	}
	startChunk = integrity.NormalizeChunkIndex(startChunk, totalChunks)
	if startChunk > 0 {
		e.emit("transfer_resume_negotiated", map[string]any{
			"uploadId":   uploadID,
			"startChunk": startChunk,
			"role":       "sender",
		})
	}

	metrics := &sendMetrics{}
	if err := e.streamChunks(ctx, rs, f, startChunk, totalChunks, metrics, true); err != nil {
		return err
	}

	checksum, err := e.finishSend(ctx, rs, f)
	if err != nil {
		return err
	}

	elapsed := e.clock.Now().Sub(ot.startTime)
	e.emit("transfer_send_complete", map[string]any{
		"uploadId":            uploadID,
		"fileName":            name,
		"fileSizeBytes":       info.Size(),
		"fileChecksum":        checksum,
		"chunkSizeUsed":       plan.ChunkSize,
		"chunkSizeReason":     string(plan.Reason),
		"totalChunks":         totalChunks,
		"startChunk":          startChunk,
		"attempt":             attempt,
		"elapsedMs":           elapsed.Milliseconds(),
		"messageLimitBytes":   e.maxMessageSize(),
		"backpressureWaits":   metrics.backpressureWaits,
		"backpressureWaitMs":  metrics.backpressureWaitMs,
		"backpressureEvents":  metrics.backpressureEvents,
		"backpressurePolling": metrics.backpressurePolling,
		"backpressureMode":    e.backpressureMode(),
	})
	return nil
}

// streamChunks sends chunks [from, to) with the backpressure discipline.
// When persist is true the outgoing session advances after every chunk.
func (e *Engine) streamChunks(ctx context.Context, rs *runtimeSession, f *os.File, from, to int, metrics *sendMetrics, persist bool) error {
	rs.mu.Lock()
	meta := rs.meta
	rs.mu.Unlock()
	buf := make([]byte, meta.ChunkSize)
	lastPercent := -1
	for i := from; i < to; i++ {
		offset := int64(i) * int64(meta.ChunkSize)
		n := int64(meta.ChunkSize)
		if offset+n > meta.Size {
			n = meta.Size - offset
		}
		if err := readFull(f, buf[:n], offset); err != nil {
			return fmt.Errorf("reading chunk %d: %w", i, err)
		}

		ch := e.Channel()
		if ch == nil || !ch.IsOpen() {
			return newError(CodeDataChannelNotReady, "channel closed before chunk %d", i)
		}
		if limit := e.maxMessageSize(); limit > 0 && int(n) > limit {
			return newError(CodeMessageTooLarge, "chunk of %d bytes exceeds message limit %d", n, limit)
		}

		arb := e.currentArbiter()
		if arb != nil && ch.BufferedAmount() > arb.WaitThreshold() {
			out, err := arb.Wait(ctx)
			if err != nil {
				if err == backpressure.ErrChannelClosed {
					return wrapError(CodeDataChannelNotReady, err, "channel closed during backpressure wait")
				}
				return err
			}
			if metrics != nil {
				metrics.record(out)
			}
		}

		if err := ch.Send(buf[:n]); err != nil {
			return wrapError(CodeDataChannelSendFailed, err, "sending chunk %d", i)
		}

		rs.setChecksum(i, e.hasher(buf[:n]))
		if persist {
			if err := e.persistOutgoingSession(ctx, rs, store.StatusActive, i+1); err != nil {
				e.log.Warnf("persisting chunk progress: %v", err)
			}
		}

		sent := integrity.BytesForChunkIndex(i+1, meta.ChunkSize, meta.Size)
		percent := wholePercent(sent, meta.Size)
		if percent > lastPercent || i == to-1 {
			lastPercent = percent
			if e.callbacks.OnSendProgress != nil {
				e.callbacks.OnSendProgress(Progress{
					UploadID:   meta.UploadID,
					Name:       meta.Name,
					Bytes:      sent,
					TotalBytes: meta.Size,
					Percent:    percent,
				})
			}
		}
	}
	return nil
}

// finishSend derives the file checksum, announces completion, and persists
// the completed session.
func (e *Engine) finishSend(ctx context.Context, rs *runtimeSession, f *os.File) (string, error) {
	meta := rs.metadata()
	if missing := rs.missingChecksumIndexes(); len(missing) > 0 {
		// Chunks skipped by resume were hashed in an earlier run; re-hash
		// them from the file, refusing if the file changed under us.
		info, err := f.Stat()
		if err != nil {
			return "", fmt.Errorf("re-reading file info: %w", err)
		}
		if info.ModTime().UnixMilli() != rs.lastModified || info.Size() != meta.Size {
			return "", newError(CodeChecksumMismatch, "file %s changed between offer and completion", meta.Name)
		}
		buf := make([]byte, meta.ChunkSize)
		for _, i := range missing {
			offset := int64(i) * int64(meta.ChunkSize)
			n := int64(meta.ChunkSize)
			if offset+n > meta.Size {
				n = meta.Size - offset
			}
			if err := readFull(f, buf[:n], offset); err != nil {
				return "", fmt.Errorf("re-hashing chunk %d: %w", i, err)
			}
			rs.setChecksum(i, e.hasher(buf[:n]))
		}
	}

	checksum := integrity.DeriveFileChecksum(e.hasher, rs.checksums())
	rs.mu.Lock()
	rs.fileChecksum = checksum
	rs.mu.Unlock()

	err := e.sendControl(controlMessage{
		Type:     msgTransferComplete,
		FileID:   rs.uploadID,
		UploadID: rs.uploadID,
		Checksum: checksum,
	})
	if err != nil {
		return "", err
	}

	rs.mu.Lock()
	rs.status = store.StatusCompleted
	rs.mu.Unlock()
	if err := e.persistOutgoingSession(ctx, rs, store.StatusCompleted, meta.TotalChunks); err != nil {
		e.log.Warnf("persisting completed session: %v", err)
	}
	return checksum, nil
}

// handleReceiverReady unblocks the matching pending offer.
func (e *Engine) handleReceiverReady(ctl controlMessage) {
	uploadID := ctl.UploadID
	if uploadID == "" {
		uploadID = ctl.FileID
	}
	e.mu.Lock()
	ot := e.offers[uploadID]
	e.mu.Unlock()
	if ot == nil {
		e.log.Debugf("receiver-ready for unknown upload %s", uploadID)
		return
	}
	resume := 0
	if ctl.ResumeFromChunk != nil {
		resume = integrity.NormalizeChunkIndex(*ctl.ResumeFromChunk, ot.meta.TotalChunks)
	}
	select {
	case ot.readyCh <- readyResult{resumeFromChunk: resume}:
	default:
	}
}

// handleRetransmitRequest re-streams chunks for a still-known upload.
func (e *Engine) handleRetransmitRequest(ctl controlMessage) {
	uploadID := ctl.UploadID
	if uploadID == "" {
		uploadID = ctl.FileID
	}
	e.mu.Lock()
	rs := e.sessions[uploadID]
	e.mu.Unlock()
	if rs == nil {
		e.sendTransferError(uploadID, CodeRetransmitNotSupported, "no runtime session for upload")
		return
	}
	from := 0
	if ctl.FromChunk != nil {
		from = *ctl.FromChunk
	}
	from = integrity.NormalizeChunkIndex(from, rs.metadata().TotalChunks)
	go e.serveRetransmit(rs, from, ctl.Reason)
}

func (e *Engine) serveRetransmit(rs *runtimeSession, from int, reason string) {
	e.emit("transfer_retransmit_serving", map[string]any{
		"uploadId":  rs.uploadID,
		"fromChunk": from,
		"reason":    reason,
	})

	f, err := os.Open(rs.path)
	if err != nil {
		e.log.Warnf("retransmit: reopening %s: %v", rs.path, err)
		e.sendTransferError(rs.uploadID, CodeRetransmitNotSupported, "source file unavailable")
		return
	}
	defer func() { _ = f.Close() }()

	ctx := context.Background()
	if err := e.streamChunks(ctx, rs, f, from, rs.metadata().TotalChunks, nil, false); err != nil {
		e.log.Warnf("retransmit of %s failed: %v", rs.uploadID, err)
		return
	}

	checksum, err := e.finishSend(ctx, rs, f)
	if err != nil {
		e.log.Warnf("retransmit completion of %s failed: %v", rs.uploadID, err)
		return
	}
	e.emit("transfer_retransmit_served", map[string]any{
		"uploadId":     rs.uploadID,
		"fromChunk":    from,
		"fileChecksum": checksum,
	})
}

func (e *Engine) ensureRuntimeSession(uploadID, path string, meta FileMetadata, fingerprint string, lastModified int64) *runtimeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.sessions[uploadID]; ok {
		rs.mu.Lock()
		rs.meta = meta
		rs.path = path
		rs.lastModified = lastModified
		if len(rs.chunkChecksums) != meta.TotalChunks {
			sums := make([]string, meta.TotalChunks)
			copy(sums, rs.chunkChecksums)
			rs.chunkChecksums = sums
		}
		rs.mu.Unlock()
		return rs
	}
	rs := &runtimeSession{
		uploadID:       uploadID,
		path:           path,
		meta:           meta,
		fingerprint:    fingerprint,
		lastModified:   lastModified,
		chunkChecksums: make([]string, meta.TotalChunks),
		status:         store.StatusActive,
		remotePeerID:   e.remotePeerID,
	}
	e.sessions[uploadID] = rs
	return rs
}

// readFull reads exactly len(p) bytes at offset; a clean EOF on the final
// chunk is not an error.
func readFull(f *os.File, p []byte, offset int64) error {
	n, err := f.ReadAt(p, offset)
	if err != nil && !(err == io.EOF && n == len(p)) {
		return err
	}
	return nil
}

func (e *Engine) persistOutgoingSession(ctx context.Context, rs *runtimeSession, status string, nextChunkIndex int) error {
	rs.mu.Lock()
	meta := rs.meta
	fingerprint := rs.fingerprint
	fileChecksum := rs.fileChecksum
	remotePeerID := rs.remotePeerID
	rs.mu.Unlock()
	return e.store.PutSession(ctx, store.Session{
		SessionKey:       store.SessionKey(store.DirectionOutgoing, rs.uploadID),
		Direction:        store.DirectionOutgoing,
		Status:           status,
		UploadID:         rs.uploadID,
		ProtocolVersion:  meta.ProtocolVersion,
		Name:             meta.Name,
		Size:             meta.Size,
		MimeType:         meta.Type,
		ChunkSize:        meta.ChunkSize,
		TotalChunks:      meta.TotalChunks,
		NextChunkIndex:   nextChunkIndex,
		BytesTransferred: integrity.BytesForChunkIndex(nextChunkIndex, meta.ChunkSize, meta.Size),
		RemotePeerID:     remotePeerID,
		Fingerprint:      fingerprint,
		FileChecksum:     fileChecksum,
	})
}

// failRuntimeSessionFor marks the runtime session of a path failed after a
// non-recoverable error.
func (e *Engine) failRuntimeSessionFor(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rs := range e.sessions {
		rs.mu.Lock()
		match := rs.path == path && rs.status == store.StatusActive
		if match {
			rs.status = store.StatusFailed
		}
		rs.mu.Unlock()
		if match {
			go func(rs *runtimeSession) {
				_ = e.persistFailed(rs)
			}(rs)
		}
	}
}

func (e *Engine) persistFailed(rs *runtimeSession) error {
	sess, err := e.store.GetSession(context.Background(), store.SessionKey(store.DirectionOutgoing, rs.uploadID))
	if err != nil {
		return err
	}
	sess.Status = store.StatusFailed
	return e.store.PutSession(context.Background(), sess)
}

func (e *Engine) currentArbiter() *backpressure.Arbiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.arbiter
}

func (e *Engine) backpressureMode() string {
	if arb := e.currentArbiter(); arb != nil {
		return string(arb.Mode())
	}
	return ""
}

func (e *Engine) peerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remotePeerID
}

func wholePercent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(done * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}
