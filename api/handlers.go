package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/eventbus"
	"github.com/agentrelay/agentrelay/queue"
)

// postMessageRequest is the JSON body for POST /api/message.
type postMessageRequest struct {
	Message   string   `json:"message" binding:"required"`
	Agent     string   `json:"agent"`
	Sender    string   `json:"sender"`
	Channel   string   `json:"channel"`
	Files     []string `json:"files"`
	MessageID string   `json:"messageId"`
	SenderID  string   `json:"senderId"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	body := req.Message
	if req.Channel != "" && req.Sender != "" {
		body = fmt.Sprintf("[%s/%s]: %s", req.Channel, req.Sender, body)
	}

	externalID, err := s.store.EnqueueMessage(queue.NewMessage{
		ExternalID:    req.MessageID,
		Channel:       req.Channel,
		Sender:        req.Sender,
		SenderAddress: req.SenderID,
		Body:          body,
		Files:         req.Files,
		Agent:         req.Agent,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.MessageEnqueued, MessageID: externalID, AgentID: req.Agent})

	c.JSON(http.StatusOK, gin.H{"ok": true, "messageId": externalID})
}

func (s *Server) pendingResponses(c *gin.Context) {
	channel := c.Query("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}
	responses, err := s.store.PendingResponses(channel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"responses": responses})
}

func (s *Server) ackResponse(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid response id"})
		return
	}
	if err := s.store.AckResponse(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func agentFilter(c *gin.Context) []string {
	var ids []string
	if agent := c.Query("agent"); agent != "" {
		ids = append(ids, agent)
	}
	if agents := c.Query("agents"); agents != "" {
		ids = append(ids, strings.Split(agents, ",")...)
	}
	return ids
}

func limitParam(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) listResponses(c *gin.Context) {
	responses, err := s.store.RecentResponses(agentFilter(c), limitParam(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"responses": responses})
}

func (s *Server) listSentMessages(c *gin.Context) {
	messages, err := s.store.SentMessages(agentFilter(c), limitParam(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) queueStatus(c *gin.Context) {
	status, err := s.store.QueueStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":             status.Pending,
		"processing":          status.Processing,
		"completed":           status.Completed,
		"dead":                status.Dead,
		"responsesPending":    status.ResponsesPending,
		"activeConversations": s.convCount(),
	})
}

func (s *Server) tailLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logTail.Tail(limitParam(c, 200))})
}

func (s *Server) listDeadMessages(c *gin.Context) {
	messages, err := s.store.DeadMessages()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) retryDeadMessage(c *gin.Context) {
	if err := s.store.RetryDeadMessage(c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) deleteDeadMessage(c *gin.Context) {
	if err := s.store.DeleteDeadMessage(c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.cfg.Snapshot().Agents})
}

func (s *Server) putAgent(c *gin.Context) {
	var agent config.AgentConfig
	if err := c.ShouldBindJSON(&agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.UpsertAgent(agent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.cfg.DeleteAgent(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getTeams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"teams": s.cfg.Snapshot().Teams})
}

func (s *Server) putTeam(c *gin.Context) {
	var team config.TeamConfig
	if err := c.ShouldBindJSON(&team); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.UpsertTeam(team); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) deleteTeam(c *gin.Context) {
	if err := s.cfg.DeleteTeam(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getSettings(c *gin.Context) {
	snap := s.cfg.Snapshot()
	c.JSON(http.StatusOK, gin.H{"host": snap.API.Host, "port": snap.API.Port, "authOff": snap.API.AuthOff, "workspace": snap.Workspace})
}
