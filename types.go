package amqp

import "github.com/coreamqp/go-amqp/internal/encoding"

// SenderSettleMode is the negotiated settlement behavior of the
// sending link endpoint.
type SenderSettleMode = encoding.SenderSettleMode

const (
	ModeUnsettled = encoding.ModeUnsettled
	ModeSettled   = encoding.ModeSettled
	ModeMixed     = encoding.ModeMixed
)

// ReceiverSettleMode is the negotiated settlement behavior of the
// receiving link endpoint.
type ReceiverSettleMode = encoding.ReceiverSettleMode

const (
	ModeFirst  = encoding.ModeFirst
	ModeSecond = encoding.ModeSecond
)

// Durability indicates what terminus state survives link detach.
type Durability = encoding.Durability

const (
	DurabilityNone           = encoding.DurabilityNone
	DurabilityConfiguration  = encoding.DurabilityConfiguration
	DurabilityUnsettledState = encoding.DurabilityUnsettledState
)

// ExpiryPolicy controls when an expiring terminus starts its timer.
type ExpiryPolicy = encoding.ExpiryPolicy

const (
	ExpiryLinkDetach      = encoding.ExpiryLinkDetach
	ExpirySessionEnd      = encoding.ExpirySessionEnd
	ExpiryConnectionClose = encoding.ExpiryConnectionClose
	ExpiryNever           = encoding.ExpiryNever
)

// DeliveryState is implemented by the five terminal/non-terminal
// delivery outcomes a disposition or transfer may carry.
type DeliveryState = encoding.DeliveryState
