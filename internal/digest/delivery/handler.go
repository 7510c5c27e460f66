package delivery

import (
	"net/http"
	"time"

	"inbox-agent/internal/digest/usecase"

	"github.com/gin-gonic/gin"
)

type DigestHandler struct {
	digest   usecase.DigestUsecase
	accounts []string
}

// NewDigestHandler serves digests of the given accounts. The first account is
// the default.
func NewDigestHandler(digest usecase.DigestUsecase, accounts []string) *DigestHandler {
	return &DigestHandler{digest: digest, accounts: accounts}
}

func (h *DigestHandler) account(c *gin.Context) (string, bool) {
	account := c.Query("account")
	if account == "" && len(h.accounts) > 0 {
		return h.accounts[0], true
	}
	for _, a := range h.accounts {
		if a == account {
			return a, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
	return "", false
}

// PreviewDigest builds a digest without sending it
// GET /api/digest?account=...&hours=24
func (h *DigestHandler) PreviewDigest(c *gin.Context) {
	account, ok := h.account(c)
	if !ok {
		return
	}
	window := 24 * time.Hour
	if hours := c.Query("hours"); hours != "" {
		d, err := time.ParseDuration(hours + "h")
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
			return
		}
		window = d
	}
	d, err := h.digest.Build(c.Request.Context(), account, time.Now().Add(-window))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

// SendDigest builds and delivers the digest now
// POST /api/digest?account=...
func (h *DigestHandler) SendDigest(c *gin.Context) {
	account, ok := h.account(c)
	if !ok {
		return
	}
	d, err := h.digest.Send(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "digest": d})
		return
	}
	c.JSON(http.StatusOK, d)
}
