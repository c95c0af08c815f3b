package transport

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaycore/whatsrelay/documents"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/pipeline"
	"github.com/relaycore/whatsrelay/rlog"
)

// MessageRequest is one inbound chat message, optionally carrying a raw
// attachment for Document Ingestion (spec §4.7), posted by the messaging
// platform's webhook. Grounded on the teacher's server.ChatRequest
// (server/server.go handleChat): decode the body, validate required
// fields, process synchronously, respond with the result.
type MessageRequest struct {
	ChatID     string      `json:"chat_id"`
	SenderID   string      `json:"sender_id"`
	Role       string      `json:"role"`
	Text       string      `json:"text"`
	MessageID  string      `json:"message_id"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Attachment carries a raw document inline as base64, since the webhook
// has no separate media-fetch step (spec Non-goal: no concrete platform
// client to download media from).
type Attachment struct {
	MIMEType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
}

// MessageResponse carries the pipeline's reply back to the caller.
type MessageResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// WebhookServer exposes the Request Pipeline over HTTP: a synchronous
// POST endpoint a messaging platform's webhook calls per inbound
// message, feeding any attachment through Document Ingestion first
// (spec §1 Non-goals excludes a concrete platform client, so this is the
// generic HTTP surface one would sit behind).
type WebhookServer struct {
	pipeline  *pipeline.Pipeline
	documents *documents.Processor
}

// NewWebhookServer builds a WebhookServer over the given Pipeline and
// Document Processor.
func NewWebhookServer(p *pipeline.Pipeline, docs *documents.Processor) *WebhookServer {
	return &WebhookServer{pipeline: p, documents: docs}
}

// RegisterRoutes registers the inbound message route on the given
// gin.Engine.
func (s *WebhookServer) RegisterRoutes(router *gin.Engine) {
	router.POST("/relay/message", s.handleMessage)
}

func (s *WebhookServer) handleMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, MessageResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.ChatID == "" {
		c.JSON(http.StatusBadRequest, MessageResponse{Error: "chat_id is required"})
		return
	}
	if req.Text == "" && req.Attachment == nil {
		c.JSON(http.StatusBadRequest, MessageResponse{Error: "text or attachment is required"})
		return
	}

	in := pipeline.Inbound{
		ChatID:      model.ChatID(req.ChatID),
		SenderID:    req.SenderID,
		Role:        model.Role(req.Role),
		ContentText: req.Text,
		MessageID:   req.MessageID,
	}
	if req.Attachment != nil {
		data, err := base64.StdEncoding.DecodeString(req.Attachment.DataBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, MessageResponse{Error: "attachment data_base64 is not valid base64"})
			return
		}
		artifact, err := s.documents.Ingest(c.Request.Context(), documents.Attachment{
			MIMEType: req.Attachment.MIMEType,
			Bytes:    data,
			Phone:    req.SenderID,
		})
		if err != nil {
			rlog.Log.Warnf("transport: document ingestion failed for chat %s: %v", rlog.MaskPhone(req.ChatID), err)
		} else {
			in.Document = artifact
		}
	}

	reply := s.pipeline.Handle(c.Request.Context(), in)
	c.JSON(http.StatusOK, MessageResponse{Reply: reply})
}
