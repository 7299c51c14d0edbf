package handler

import (
	"time"

	"github.com/benbjohnson/clock"
)

type HeartbeatResponse struct {
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatHandlerInterface interface {
	Handle() HeartbeatResponse
}

type HeartbeatHandler struct {
	clock clock.Clock
}

func NewHeartbeatHandler(clk clock.Clock) *HeartbeatHandler {
	if clk == nil {
		clk = clock.New()
	}

	return &HeartbeatHandler{
		clock: clk,
	}
}

func (h *HeartbeatHandler) Handle() HeartbeatResponse {
	return HeartbeatResponse{
		Timestamp: h.clock.Now().UTC(),
	}
}
