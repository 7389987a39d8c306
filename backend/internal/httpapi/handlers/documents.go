package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"formCollab/backend/internal/collab"
)

type DocumentHandler struct {
	svc collab.Service
}

func NewDocumentHandler(svc collab.Service) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

// GET /collab/documents/:documentID
// 房间活着时返回内存权威态，否则从存储加载
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	docID := c.Param("documentID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Document ID missing"})
		return
	}
	doc, err := h.svc.CurrentState(c.Request.Context(), docID)
	if err != nil {
		if errors.Is(err, collab.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// GET /collab/documents/:documentID/snapshots?limit=
func (h *DocumentHandler) ListSnapshots(c *gin.Context) {
	docID := c.Param("documentID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Document ID missing"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	snaps, err := h.svc.Snapshots(c.Request.Context(), docID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "snapshots": snaps})
}

// GET /collab/documents/:documentID/presence
func (h *DocumentHandler) GetPresence(c *gin.Context) {
	docID := c.Param("documentID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Document ID missing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "sessions": h.svc.ListActive(docID)})
}

type forceSyncReq struct {
	IdentityID uint64 `json:"identityId"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
}

// POST /collab/sync/force
// 外部策略层在关键变更（资料/权限）后调用：请求返回前，
// 该 identity 的每个在线会话都已收到失效推送（超时的转懒模式补课）。
func (h *DocumentHandler) ForceSync(c *gin.Context) {
	var req forceSyncReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IdentityID == 0 {
		v, ok := c.Get("userId")
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		req.IdentityID, _ = v.(uint64)
	}
	if req.Kind == "" {
		req.Kind = "permission"
	}

	inv := collab.Invalidation{Kind: req.Kind, Reason: req.Reason}
	if err := h.svc.Sync().ForceSync(c.Request.Context(), req.IdentityID, "", inv); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": true})
}
