package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-gonic/gin"
)

// CertIssuer signs node client certificates. *cert.Issuer implements it.
type CertIssuer interface {
	IssueClient(commonName string) (certPEM, keyPEM []byte, err error)
	CACertPEM() []byte
}

type NodeGetter interface {
	Get(ctx context.Context, nodeID string) (*store.Node, error)
}

type CertHandler struct {
	issuer CertIssuer
	nodes  NodeGetter
}

// NewCertHandler accepts a nil issuer; the endpoint then reports that
// TLS is not enabled.
func NewCertHandler(issuer CertIssuer, nodes NodeGetter) *CertHandler {
	return &CertHandler{
		issuer: issuer,
		nodes:  nodes,
	}
}

// IssueNodeCert returns a zip with a client certificate for the node,
// its key and the CA certificate.
// POST /api/v1/nodes/:id/certificate
func (h *CertHandler) IssueNodeCert(ctx *gin.Context) {
	if h.issuer == nil {
		slog.Warn("Node certificate requested but the CA is not configured")
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "TLS is not enabled on this server"})
		return
	}

	nodeID := ctx.Param("id")
	if _, err := h.nodes.Get(ctx.Request.Context(), nodeID); err != nil {
		respondError(ctx, err, "get node")
		return
	}

	certPEM, keyPEM, err := h.issuer.IssueClient(nodeID)
	if err != nil {
		slog.Error("Failed to issue node certificate", "node_id", nodeID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue certificate"})
		return
	}

	files := []struct {
		name string
		data []byte
	}{
		{"node-cert.pem", certPEM},
		{"node-key.pem", keyPEM},
		{"ca-cert.pem", h.issuer.CACertPEM()},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err == nil {
			_, err = w.Write(f.data)
		}
		if err != nil {
			slog.Error("Failed to write certificate bundle", "node_id", nodeID, "file", f.name, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build certificate bundle"})
			return
		}
	}
	if err := zw.Close(); err != nil {
		slog.Error("Failed to finish certificate bundle", "node_id", nodeID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build certificate bundle"})
		return
	}

	ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s-certs.zip\"", nodeID))
	ctx.Data(http.StatusOK, "application/zip", buf.Bytes())
	slog.Info("Node certificate bundle issued", "node_id", nodeID, "zip_size", buf.Len())
}
