package handler

import (
	"context"
)

type FollowGraph interface {
	Follow(ctx context.Context, followerId string, followedId string) error
	Unfollow(ctx context.Context, followerId string, followedId string) error
}

type FollowRequest struct {
	FollowerId string `json:"followerId"`
	FollowedId string `json:"followedId"`
}

type FollowHandlerInterface interface {
	Follow(ctx context.Context, req FollowRequest) (Ack, error)
	Unfollow(ctx context.Context, req FollowRequest) (Ack, error)
}

// FollowHandler keeps live presence subscriptions in line with follow
// changes made after the follower connected.
type FollowHandler struct {
	graph FollowGraph
}

func NewFollowHandler(graph FollowGraph) *FollowHandler {
	return &FollowHandler{
		graph,
	}
}

func (h *FollowHandler) Follow(ctx context.Context, req FollowRequest) (Ack, error) {
	if err := requireAdmin(ctx); err != nil {
		return Ack{}, err
	}

	if err := h.graph.Follow(ctx, req.FollowerId, req.FollowedId); err != nil {
		return Ack{}, err
	}

	return Ack{Success: true}, nil
}

func (h *FollowHandler) Unfollow(ctx context.Context, req FollowRequest) (Ack, error) {
	if err := requireAdmin(ctx); err != nil {
		return Ack{}, err
	}

	if err := h.graph.Unfollow(ctx, req.FollowerId, req.FollowedId); err != nil {
		return Ack{}, err
	}

	return Ack{Success: true}, nil
}
