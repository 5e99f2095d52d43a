package tus

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/wadevries/tusk/pkg/config"
)

const (
	tusVersion           = "1.0.0"
	tusVersionsSupported = "1.0.0"
	tusExtensions        = "creation,termination,file-check"

	headerResumable = "Tus-Resumable"
)

// RegisterRoutes mounts the upload protocol under /files.
func RegisterRoutes(router *gin.Engine, proto *Protocol, cfg config.UploadConfig) {
	router.Use(capabilityHeaders(cfg.MaxSize))

	files := router.Group("/files")
	{
		files.POST("", handleCreate(proto))
		files.GET("", handleProbe(proto))
		files.HEAD("/:id", handleStatus(proto))
		files.PATCH("/:id", handleAppend(proto))
		files.DELETE("/:id", handleTerminate(proto))
	}
}

// MethodOverride honors X-HTTP-Method-Override before routing, for clients
// whose transport cannot issue PATCH or DELETE directly.
func MethodOverride(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if method := r.Header.Get("X-HTTP-Method-Override"); method != "" {
			r.Method = strings.ToUpper(method)
		}
		next.ServeHTTP(w, r)
	})
}

// capabilityHeaders advertises the protocol version, supported extensions
// and size ceiling on every response, and short-circuits preflight requests.
func capabilityHeaders(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(headerResumable, tusVersion)
		c.Header("Tus-Version", tusVersionsSupported)
		c.Header("Tus-Extension", tusExtensions)
		c.Header("Tus-Max-Size", strconv.FormatInt(maxSize, 10))
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "PATCH,HEAD,GET,POST,OPTIONS")
		c.Header("Access-Control-Expose-Headers", "Tus-Resumable,upload-length,upload-metadata,Location,Upload-Offset")
		c.Header("Access-Control-Allow-Headers", "Tus-Resumable,upload-length,upload-metadata,Location,Upload-Offset,content-type")
		c.Header("Cache-Control", "no-store")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func handleCreate(proto *Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(headerResumable) == "" {
			c.Status(http.StatusPreconditionFailed)
			return
		}

		totalSize, err := strconv.ParseInt(c.GetHeader("Upload-Length"), 10, 64)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		metadata, err := ParseMetadata(c.GetHeader("Upload-Metadata"))
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		if messageID := c.GetHeader("Message-Id"); messageID != "" {
			decoded, err := base64.StdEncoding.DecodeString(messageID)
			if err != nil {
				c.Status(http.StatusBadRequest)
				return
			}
			metadata["message_id"] = string(decoded)
		}

		resourceID, err := proto.CreateUpload(c.Request.Context(), metadata["filename"], totalSize, metadata)
		if err != nil {
			c.Status(statusFor(err))
			return
		}

		c.Header("Location", locationFor(c.Request, resourceID))
		c.Status(http.StatusCreated)
	}
}

func handleStatus(proto *Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		offset, totalSize, err := proto.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrGone) {
				c.Status(http.StatusNotFound)
				return
			}
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Header("Upload-Offset", strconv.FormatInt(offset, 10))
		c.Header("Upload-Length", strconv.FormatInt(totalSize, 10))
		c.Status(http.StatusOK)
	}
}

func handleAppend(proto *Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(headerResumable) == "" {
			c.Status(http.StatusPreconditionFailed)
			return
		}

		claimedOffset, err := strconv.ParseInt(c.GetHeader("Upload-Offset"), 10, 64)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			log.Error().Err(err).Str("resource_id", c.Param("id")).Msg("failed to read chunk body")
			c.Status(http.StatusInternalServerError)
			return
		}

		newOffset, _, err := proto.Append(c.Request.Context(), c.Param("id"), claimedOffset, data)
		if err != nil {
			c.Status(statusFor(err))
			return
		}

		c.Header("Upload-Offset", strconv.FormatInt(newOffset, 10))
		c.Status(http.StatusOK)
	}
}

func handleTerminate(proto *Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(headerResumable) == "" {
			c.Status(http.StatusPreconditionFailed)
			return
		}

		if err := proto.Terminate(c.Request.Context(), c.Param("id")); err != nil {
			c.Status(statusFor(err))
			return
		}

		c.Status(http.StatusNoContent)
	}
}

func handleProbe(proto *Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(headerResumable) == "" {
			c.String(http.StatusMethodNotAllowed, "Method Not Allowed")
			return
		}

		metadata, err := ParseMetadata(c.GetHeader("Upload-Metadata"))
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		filename := metadata["filename"]
		exists, err := proto.ProbeFile(c.Request.Context(), filename)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}

		if exists {
			c.Header("Tus-File-Name", filename)
		}
		c.Header("Tus-File-Exists", strconv.FormatBool(exists))
		c.Status(http.StatusOK)
	}
}

// statusFor maps the protocol error taxonomy onto response codes. Unknown
// resources answer 410 on mutating operations; lookups use 404 directly.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrProtocolViolation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// locationFor builds the absolute reference a client uses to address the
// session it just created.
func locationFor(r *http.Request, resourceID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	return scheme + "://" + r.Host + path + "/" + resourceID
}
