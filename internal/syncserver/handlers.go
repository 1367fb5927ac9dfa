// Package syncserver exposes the sync wire contract over HTTP. The same
// router serves a station answering LAN siblings and the cloud hub; the hub
// additionally accepts backup archives.
package syncserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/snappy"
	"github.com/google/uuid"

	"scalesync/internal/artifact"
	"scalesync/internal/logging"
	"scalesync/internal/models"
	"scalesync/internal/store"
	"scalesync/internal/transport"
)

type Handler struct {
	store     *store.Store
	artifacts artifact.Store
	log       *logging.Logger

	// storageConfigured is reported by /health; on the hub it reflects
	// whether a durable artifact backend (S3) is wired, on a station it is
	// always true because artifacts live beside the database.
	storageConfigured bool
	// acceptBackups enables POST /backup/upload (hub only).
	acceptBackups bool
}

func NewHandler(st *store.Store, artifacts artifact.Store, log *logging.Logger, storageConfigured, acceptBackups bool) *Handler {
	return &Handler{
		store:             st,
		artifacts:         artifacts,
		log:               log,
		storageConfigured: storageConfigured,
		acceptBackups:     acceptBackups,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"storageConfigured": h.storageConfigured,
	})
}

// Push applies one page of a peer's changes. The response acknowledges the
// highest log sequence of the page durably committed, which the peer uses to
// advance its push checkpoint; a failed page leaves earlier pages' progress
// intact.
func (h *Handler) Push(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	var req transport.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	peerID := strings.TrimSpace(req.PeerID)
	if peerID == "" {
		peerID = DeviceIDFromContext(c)
	}
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peerId required"})
		return
	}

	acked := maxSeq(req.Changes)
	res, err := h.store.ApplyPage(peerID, req.Changes, acked)
	if err != nil {
		h.log.Errorf("push from %s failed: %v", peerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "apply failed"})
		return
	}
	if res.Skipped > 0 {
		h.log.Warnf("skipped %d malformed entries pushed by %s", res.Skipped, peerID)
	}
	h.touchCaller(c)
	h.log.Debugf("applied %d/%d changes from %s", res.Applied, len(req.Changes), peerID)
	c.JSON(http.StatusOK, transport.PushResponse{AckedUpTo: acked})
}

// Pull returns one page of local changes past the caller's cursor. Entries
// that arrived from the caller itself are filtered out rather than echoed
// back; the returned cursor still walks past them.
func (h *Handler) Pull(c *gin.Context) {
	cursor, _ := strconv.ParseInt(strings.TrimSpace(c.Query("cursor")), 10, 64)
	limit, _ := strconv.Atoi(strings.TrimSpace(c.Query("limit")))

	changes, next, err := h.store.ChangesSince(cursor, limit, DeviceIDFromContext(c))
	if err != nil {
		h.log.Errorf("pull failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read failed"})
		return
	}
	h.touchCaller(c)
	c.JSON(http.StatusOK, transport.PullResponse{Changes: changes, NextCursor: next})
}

// maxSeq returns the highest log sequence carried by a pushed page.
func maxSeq(entries []models.ChangeLogEntry) int64 {
	var m int64
	for _, e := range entries {
		if e.Seq > m {
			m = e.Seq
		}
	}
	return m
}

// touchCaller refreshes the caller's row in the known-peers cache, which
// backs the "known devices" list with last-contact times.
func (h *Handler) touchCaller(c *gin.Context) {
	deviceID := DeviceIDFromContext(c)
	if deviceID == "" {
		return
	}
	name := strings.TrimSpace(c.GetHeader("X-Device-Name"))
	if err := h.store.TouchPeer(deviceID, name, time.Now().Unix()); err != nil {
		h.log.Warnf("touch peer %s failed: %v", deviceID, err)
	}
}

// PutArtifact stores a blob. Re-uploading an existing ref overwrites the
// same content harmlessly.
func (h *Handler) PutArtifact(c *gin.Context) {
	ref := artifactRef(c)
	if ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "artifact ref required"})
		return
	}
	data, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.artifacts.Put(c.Request.Context(), ref, data); err != nil {
		h.log.Errorf("store artifact %s failed: %v", ref, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

func (h *Handler) GetArtifact(c *gin.Context) {
	ref := artifactRef(c)
	data, err := h.artifacts.Get(c.Request.Context(), ref)
	if errors.Is(err, artifact.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		h.log.Errorf("read artifact %s failed: %v", ref, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read failed"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// UploadBackup accepts a station's snapshot archive: the database snapshot,
// the manifest, and any artifact files bundled along. Parts are stored under
// a fresh backup id.
func (h *Handler) UploadBackup(c *gin.Context) {
	if !h.acceptBackups {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart body"})
		return
	}

	backupID := uuid.NewString()
	deviceID := DeviceIDFromContext(c)
	prefix := fmt.Sprintf("backups/%s/%s", deviceID, backupID)

	stored := 0
	for field, name := range map[string]string{"database_snapshot": "snapshot.json.sz", "manifest": "manifest.json"} {
		fhs := form.File[field]
		if len(fhs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": field + " part required"})
			return
		}
		data, err := readFormFile(fhs[0])
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable " + field})
			return
		}
		if err := h.artifacts.Put(c.Request.Context(), prefix+"/"+name, data); err != nil {
			h.log.Errorf("store backup part %s failed: %v", field, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
			return
		}
		stored++
	}

	for _, fh := range form.File["files"] {
		data, err := readFormFile(fh)
		if err != nil {
			h.log.Warnf("skipping unreadable backup file %s: %v", fh.Filename, err)
			continue
		}
		if err := h.artifacts.Put(c.Request.Context(), prefix+"/files/"+fh.Filename, data); err != nil {
			h.log.Warnf("store backup file %s failed: %v", fh.Filename, err)
			continue
		}
		stored++
	}

	h.log.Infof("stored backup %s from %s (%d parts)", backupID, deviceID, stored)
	c.JSON(http.StatusOK, transport.BackupResult{
		Success:   true,
		BackupID:  backupID,
		Timestamp: time.Now().Unix(),
	})
}

// KnownPeers reports the persisted peer cache with last sync times, consumed
// by the UI's device list.
func (h *Handler) KnownPeers(c *gin.Context) {
	peers, err := h.store.KnownPeers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read failed"})
		return
	}
	if peers == nil {
		peers = []models.PeerDescriptor{}
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

// artifactRef extracts the ref from the wildcard segment, which arrives with
// a leading slash.
func artifactRef(c *gin.Context) string {
	raw := strings.TrimPrefix(c.Param("ref"), "/")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

// readBody reads the request body, transparently decoding snappy-compressed
// payloads.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(c.GetHeader("Content-Encoding"), "snappy") {
		return snappy.Decode(nil, body)
	}
	return body, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
