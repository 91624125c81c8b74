// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"testing"

	"github.com/absmach/wampd/pkg/parser/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopHandler(t *testing.T) {
	h := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{
		SessionID:  "test-session",
		Username:   "testuser",
		Password:   []byte("testpass"),
		ClientID:   "client123",
		RemoteAddr: "127.0.0.1:1234",
		Protocol:   "mqtt",
	}

	code, present, err := h.ProcessConnect(ctx, hctx, &mqtt.Connect{ClientID: "client123"})
	require.NoError(t, err)
	assert.Equal(t, mqtt.ConnAccepted, code)
	assert.False(t, present)

	tests := []struct {
		name string
		fn   func() error
	}{
		{name: "NewWAMPSession", fn: func() error { return h.NewWAMPSession(ctx, hctx, &mqtt.Connect{}) }},
		{name: "ExistingWAMPSession", fn: func() error { return h.ExistingWAMPSession(ctx, hctx, &mqtt.Connect{}) }},
		{name: "ProcessPublishQoS0", fn: func() error { return h.ProcessPublishQoS0(ctx, hctx, &mqtt.Publish{}) }},
		{name: "ProcessPublishQoS1", fn: func() error { return h.ProcessPublishQoS1(ctx, hctx, &mqtt.Publish{QoSLevel: 1}) }},
		{name: "ProcessPublishQoS2", fn: func() error { return h.ProcessPublishQoS2(ctx, hctx, &mqtt.Publish{QoSLevel: 2}) }},
		{name: "ProcessUnsubscribe", fn: func() error { return h.ProcessUnsubscribe(ctx, hctx, &mqtt.Unsubscribe{}) }},
		{name: "ProcessPubACK", fn: func() error { return h.ProcessPubACK(ctx, hctx, &mqtt.PubACK{}) }},
		{name: "ProcessPubREC", fn: func() error { return h.ProcessPubREC(ctx, hctx, &mqtt.PubREC{}) }},
		{name: "ProcessPubREL", fn: func() error { return h.ProcessPubREL(ctx, hctx, &mqtt.PubREL{}) }},
		{name: "ProcessPubCOMP", fn: func() error { return h.ProcessPubCOMP(ctx, hctx, &mqtt.PubCOMP{}) }},
		{name: "OnDisconnect", fn: func() error { return h.OnDisconnect(ctx, hctx) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.fn())
		})
	}
}

func TestNoopHandlerGrantsRequestedQoS(t *testing.T) {
	h := &NoopHandler{}
	granted, err := h.ProcessSubscribe(context.Background(), &Context{}, &mqtt.Subscribe{
		PacketIdentifier: 1,
		TopicRequests: []mqtt.SubscriptionTopicRequest{
			{TopicFilter: "a/b", MaxQoS: 0},
			{TopicFilter: "c/#", MaxQoS: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 2}, granted)
}
