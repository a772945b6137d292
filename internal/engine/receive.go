package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Ronifue/peershare/internal/integrity"
	"github.com/Ronifue/peershare/internal/sink"
	"github.com/Ronifue/peershare/internal/store"
)

// incomingTransfer is the runtime state of one file being received. All
// chunk persistence for the file runs on its single write-queue goroutine,
// so store order equals wire order.
type incomingTransfer struct {
	meta                 FileMetadata
	uploadID             string
	ready                bool
	startTime            time.Time
	resumedFrom          int
	expectedFileChecksum string

	// Guarded by queueMu: the delivery goroutine advances it, a retransmit
	// reset rewinds it.
	nextWireIndex int

	// Mutated only on the write-queue goroutine.
	receivedChunks int
	bytesReceived  int64
	chunkChecksums []string
	lastPercent    int

	queueMu             sync.Mutex
	queue               chan func()
	queueClosed         bool
	hasPersistenceError bool
}

func newIncomingTransfer(meta FileMetadata, uploadID string, resumeFrom int, now time.Time) *incomingTransfer {
	it := &incomingTransfer{
		meta:           meta,
		uploadID:       uploadID,
		startTime:      now,
		resumedFrom:    resumeFrom,
		nextWireIndex:  resumeFrom,
		receivedChunks: resumeFrom,
		bytesReceived:  integrity.BytesForChunkIndex(resumeFrom, meta.ChunkSize, meta.Size),
		chunkChecksums: make([]string, resumeFrom),
		lastPercent:    -1,
		queue:          make(chan func(), writeQueueDepth),
	}
	go func() {
		for task := range it.queue {
			task()
		}
	}()
	return it
}

// enqueue appends work to the serialized write queue. Returns false once the
// queue is closed.
func (it *incomingTransfer) enqueue(task func()) bool {
	it.queueMu.Lock()
	defer it.queueMu.Unlock()
	if it.queueClosed {
		return false
	}
	it.queue <- task
	return true
}

// flush waits for every task already queued to finish, so a session read
// after it reflects all persisted chunks.
func (it *incomingTransfer) flush(timeout time.Duration) {
	done := make(chan struct{})
	if !it.enqueue(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (it *incomingTransfer) closeQueue() {
	it.queueMu.Lock()
	defer it.queueMu.Unlock()
	if !it.queueClosed {
		it.queueClosed = true
		close(it.queue)
	}
}

// handleOffer validates an incoming file-offer, probes the store for a
// resume point, and replies receiver-ready.
func (e *Engine) handleOffer(meta FileMetadata) {
	if verr := validateOffer(meta); verr != nil {
		e.sendTransferError(meta.ID, verr.Code, verr.Message)
		e.reportError(verr)
		return
	}

	uploadID := normalizedUploadID(meta)
	meta.UploadID = uploadID
	meta.TotalChunks = recomputeTotalChunks(meta)

	// A re-offer after an interruption may race chunk writes still queued
	// from the previous attempt; drain them before probing the store.
	e.mu.Lock()
	prev := e.incoming[uploadID]
	e.mu.Unlock()
	if prev != nil {
		prev.flush(2 * time.Second)
	}

	ctx := context.Background()
	resumeFrom := 0
	sessionKey := store.SessionKey(store.DirectionIncoming, uploadID)
	if existing, err := e.store.GetSession(ctx, sessionKey); err == nil {
		if existing.Status != store.StatusCompleted &&
			existing.Size == meta.Size &&
			existing.ChunkSize == meta.ChunkSize &&
			existing.TotalChunks == meta.TotalChunks {
			contiguous, cerr := e.store.GetContiguousChunkCount(ctx, uploadID, meta.TotalChunks)
			if cerr != nil {
				e.log.Warnf("probing contiguous chunks for %s: %v", uploadID, cerr)
			} else {
				resumeFrom = existing.NextChunkIndex
				if contiguous < resumeFrom {
					resumeFrom = contiguous
				}
			}
		} else {
			if derr := e.store.DeleteUpload(ctx, uploadID); derr != nil {
				e.log.Warnf("deleting stale upload %s: %v", uploadID, derr)
			}
		}
	}
	resumeFrom = integrity.NormalizeChunkIndex(resumeFrom, meta.TotalChunks)

	it := newIncomingTransfer(meta, uploadID, resumeFrom, e.clock.Now())
	it.ready = true

	e.mu.Lock()
	if prev, ok := e.incoming[uploadID]; ok {
		prev.closeQueue()
	}
	e.incoming[uploadID] = it
	e.currentReceivingFileID = uploadID
	e.mu.Unlock()

	if meta.Size > e.cfg.MemoryGuardThreshold {
		e.emit("transfer_memory_guard", map[string]any{
			"uploadId":      uploadID,
			"fileSizeBytes": meta.Size,
			"threshold":     e.cfg.MemoryGuardThreshold,
		})
	}

	if err := e.persistIncomingSession(ctx, it, store.StatusActive); err != nil {
		e.log.Warnf("persisting incoming session: %v", err)
	}

	if resumeFrom > 0 {
		e.emit("transfer_resume_negotiated", map[string]any{
			"uploadId":   uploadID,
			"startChunk": resumeFrom,
			"role":       "receiver",
		})
	}

	resume := resumeFrom
	err := e.sendControl(controlMessage{
		Type:            msgReceiverReady,
		FileID:          meta.ID,
		UploadID:        uploadID,
		ResumeFromChunk: &resume,
	})
	if err != nil {
		e.log.Warnf("sending receiver-ready: %v", err)
		return
	}

	if e.callbacks.OnOffer != nil {
		e.callbacks.OnOffer(meta)
	}
}

// handleChunkFrame routes one binary frame to the current incoming transfer
// and schedules its persistence on the write queue.
func (e *Engine) handleChunkFrame(data []byte) {
	e.mu.Lock()
	it := e.incoming[e.currentReceivingFileID]
	e.mu.Unlock()
	if it == nil || !it.ready {
		e.emit("transfer_control_message_parse_error", map[string]any{
			"error": "binary frame with no receiving transfer",
			"bytes": len(data),
		})
		return
	}

	// Overflow beyond the expected chunk count is dropped silently.
	it.queueMu.Lock()
	if it.nextWireIndex >= it.meta.TotalChunks {
		it.queueMu.Unlock()
		return
	}
	index := it.nextWireIndex
	it.nextWireIndex++
	it.queueMu.Unlock()

	payload := append([]byte(nil), data...)
	it.enqueue(func() {
		e.persistChunk(it, index, payload)
	})
}

// persistChunk runs on the write-queue goroutine.
func (e *Engine) persistChunk(it *incomingTransfer, index int, data []byte) {
	if it.hasPersistenceError {
		return
	}
	ctx := context.Background()
	checksum := e.hasher(data)
	err := e.store.PutChunk(ctx, store.Chunk{
		UploadID:   it.uploadID,
		ChunkIndex: index,
		Bytes:      data,
		Checksum:   checksum,
		Size:       len(data),
	})
	if err != nil {
		it.hasPersistenceError = true
		perr := wrapError(CodeChunkPersistFailed, err, "persisting chunk %d of %s", index, it.uploadID)
		e.sendTransferError(it.uploadID, CodeChunkPersistFailed, perr.Message)
		e.reportError(perr)
		return
	}

	it.chunkChecksums = append(it.chunkChecksums, checksum)
	it.receivedChunks++
	it.bytesReceived += int64(len(data))

	if err := e.persistIncomingSession(ctx, it, store.StatusActive); err != nil {
		e.log.Warnf("persisting incoming progress: %v", err)
	}

	percent := wholePercent(it.bytesReceived, it.meta.Size)
	if percent > it.lastPercent || it.receivedChunks == it.meta.TotalChunks {
		it.lastPercent = percent
		if e.callbacks.OnFileProgress != nil {
			e.callbacks.OnFileProgress(Progress{
				UploadID:   it.uploadID,
				Name:       it.meta.Name,
				Bytes:      it.bytesReceived,
				TotalBytes: it.meta.Size,
				Percent:    percent,
			})
		}
	}
}

// handleTransferComplete schedules finalization behind every pending chunk
// write.
func (e *Engine) handleTransferComplete(ctl controlMessage) {
	uploadID := ctl.UploadID
	if uploadID == "" {
		uploadID = ctl.FileID
	}
	e.mu.Lock()
	it := e.incoming[uploadID]
	e.mu.Unlock()
	if it == nil {
		e.log.Debugf("transfer-complete for unknown upload %s", uploadID)
		return
	}
	it.expectedFileChecksum = ctl.Checksum
	it.enqueue(func() {
		e.finalizeIncoming(it)
	})
}

// finalizeIncoming runs on the write-queue goroutine, after all chunk writes.
func (e *Engine) finalizeIncoming(it *incomingTransfer) {
	if it.hasPersistenceError {
		return
	}
	ctx := context.Background()

	count, err := e.store.GetChunkCount(ctx, it.uploadID)
	if err != nil {
		e.log.Warnf("counting chunks for %s: %v", it.uploadID, err)
		return
	}
	if count < it.meta.TotalChunks {
		contiguous, cerr := e.store.GetContiguousChunkCount(ctx, it.uploadID, it.meta.TotalChunks)
		if cerr != nil {
			e.log.Warnf("finding retransmit point for %s: %v", it.uploadID, cerr)
			return
		}
		e.requestRetransmit(it, contiguous, "missing_chunks")
		return
	}

	fileSink, mode := e.newSink()
	result, err := (&sink.Finalizer{Chunks: e.store, Hasher: e.hasher}).
		Finalize(ctx, it.uploadID, it.meta.TotalChunks, it.expectedFileChecksum, fileSink)
	if err != nil {
		switch ferr := err.(type) {
		case *sink.MissingChunkError:
			e.requestRetransmit(it, ferr.Index, "missing_chunks")
		case *sink.ChecksumMismatchError:
			e.requestRetransmit(it, 0, string(CodeChecksumMismatch))
		default:
			e.log.Warnf("finalizing %s: %v", it.uploadID, err)
			e.reportError(err)
		}
		return
	}

	elapsed := e.clock.Now().Sub(it.startTime)
	e.emit("transfer_receive_complete", map[string]any{
		"uploadId":      it.uploadID,
		"fileName":      it.meta.Name,
		"fileSizeBytes": it.meta.Size,
		"fileChecksum":  result.FileChecksum,
		"totalChunks":   it.meta.TotalChunks,
		"resumedFrom":   it.resumedFrom,
		"elapsedMs":     elapsed.Milliseconds(),
		"storageMode":   mode,
	})

	if err := e.store.DeleteUpload(ctx, it.uploadID); err != nil {
		e.log.Warnf("deleting finished upload %s: %v", it.uploadID, err)
	}

	meta := it.meta
	meta.FileChecksum = result.FileChecksum

	e.mu.Lock()
	delete(e.incoming, it.uploadID)
	if e.currentReceivingFileID == it.uploadID {
		e.currentReceivingFileID = ""
	}
	e.mu.Unlock()
	it.closeQueue()

	if e.callbacks.OnFileReceived != nil {
		e.callbacks.OnFileReceived(ReceivedFile{
			UploadID: it.uploadID,
			Metadata: meta,
			Result:   result,
		})
	}
}

// requestRetransmit resets local state from fromChunk and asks the sender to
// re-stream, so the resent bytes replace the old ones.
func (e *Engine) requestRetransmit(it *incomingTransfer, fromChunk int, reason string) {
	ctx := context.Background()
	fromChunk = integrity.NormalizeChunkIndex(fromChunk, it.meta.TotalChunks)

	if err := e.store.DeleteChunksFrom(ctx, it.uploadID, fromChunk); err != nil {
		e.log.Warnf("truncating chunks for retransmit: %v", err)
	}
	it.queueMu.Lock()
	it.nextWireIndex = fromChunk
	it.queueMu.Unlock()
	it.receivedChunks = fromChunk
	it.bytesReceived = integrity.BytesForChunkIndex(fromChunk, it.meta.ChunkSize, it.meta.Size)
	if len(it.chunkChecksums) > fromChunk {
		it.chunkChecksums = it.chunkChecksums[:fromChunk]
	}
	if err := e.persistIncomingSession(ctx, it, store.StatusActive); err != nil {
		e.log.Warnf("persisting retransmit reset: %v", err)
	}

	e.emit("transfer_retransmit_requested", map[string]any{
		"uploadId":  it.uploadID,
		"fromChunk": fromChunk,
		"reason":    reason,
	})

	from := fromChunk
	err := e.sendControl(controlMessage{
		Type:      msgRequestRetransmit,
		FileID:    it.meta.ID,
		UploadID:  it.uploadID,
		FromChunk: &from,
		Reason:    reason,
	})
	if err != nil {
		e.log.Warnf("sending request-retransmit: %v", err)
	}
}

// handleTransferError surfaces a remote fatal error and drops the matching
// transfer state.
func (e *Engine) handleTransferError(ctl controlMessage) {
	code := CodeControlParseError
	message := "remote transfer error"
	if ctl.Error != nil {
		code = Code(ctl.Error.Code)
		message = ctl.Error.Message
	}
	err := newError(code, "remote: %s", message)

	uploadID := ctl.UploadID
	if uploadID == "" {
		uploadID = ctl.FileID
	}
	e.mu.Lock()
	if it, ok := e.incoming[uploadID]; ok {
		delete(e.incoming, uploadID)
		if e.currentReceivingFileID == uploadID {
			e.currentReceivingFileID = ""
		}
		defer it.closeQueue()
	}
	if ot, ok := e.offers[uploadID]; ok {
		// Unblock the pending sender wait; it will classify the error.
		select {
		case ot.readyCh <- readyResult{err: err}:
		default:
		}
		delete(e.offers, uploadID)
	}
	e.mu.Unlock()

	e.reportError(err)
}

func (e *Engine) persistIncomingSession(ctx context.Context, it *incomingTransfer, status string) error {
	return e.store.PutSession(ctx, store.Session{
		SessionKey:       store.SessionKey(store.DirectionIncoming, it.uploadID),
		Direction:        store.DirectionIncoming,
		Status:           status,
		UploadID:         it.uploadID,
		ProtocolVersion:  it.meta.ProtocolVersion,
		Name:             it.meta.Name,
		Size:             it.meta.Size,
		MimeType:         it.meta.Type,
		ChunkSize:        it.meta.ChunkSize,
		TotalChunks:      it.meta.TotalChunks,
		NextChunkIndex:   it.receivedChunks,
		BytesTransferred: integrity.BytesForChunkIndex(it.receivedChunks, it.meta.ChunkSize, it.meta.Size),
		RemotePeerID:     e.peerID(),
		FileChecksum:     it.expectedFileChecksum,
	})
}

func (e *Engine) newSink() (sink.Sink, string) {
	if e.cfg.UseMemorySink {
		return sink.NewMemorySink(), sink.StorageModeMemory
	}
	ds, err := sink.NewDiskSink(e.cfg.DownloadDir)
	if err != nil {
		e.log.Warnf("disk sink unavailable, falling back to memory: %v", err)
		return sink.NewMemorySink(), sink.StorageModeMemory
	}
	return ds, sink.StorageModeDisk
}
