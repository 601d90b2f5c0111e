package rdma

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// QueuePair is a queue pair created by a Device. It shares the device's
// receive queue and completion queues and is moved to the INIT state on
// the device's bound port.
type QueuePair struct {
	verbs     Verbs
	pd        *ProtectionDomain
	port      *Port
	txCQ      *CompletionQueue
	rxCQ      *CompletionQueue
	device    string
	srq       VerbsSRQ
	handle    VerbsQP
	qpType    QPType
	maxSendWR uint32
	maxRecvWR uint32
	qpn       uint32
}

// Init creates the queue pair and transitions it to INIT.
func (qp *QueuePair) Init() error {
	h, err := qp.verbs.CreateQP(qp.pd.Handle(), &QPInitAttr{
		SendCQ:     qp.txCQ.Handle(),
		RecvCQ:     qp.rxCQ.Handle(),
		SRQ:        qp.srq,
		QPType:     qp.qpType,
		MaxSendWR:  qp.maxSendWR,
		MaxRecvWR:  qp.maxRecvWR,
		MaxSendSGE: 1,
		MaxRecvSGE: MaxSharedRxSGE,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQPCreation, err)
	}

	qp.handle = h

	if err := qp.verbs.ModifyQPToInit(h, int(qp.port.Number())); err != nil {
		_ = qp.verbs.DestroyQP(h)
		qp.handle = 0

		return fmt.Errorf("%w: %w", ErrModifyQP, err)
	}

	attr, err := qp.verbs.QueryQP(h)
	if err != nil {
		_ = qp.verbs.DestroyQP(h)
		qp.handle = 0

		return fmt.Errorf("failed to query queue pair: %w", err)
	}

	qp.qpn = attr.QPN

	log.Debug().
		Str("device", qp.device).
		Uint32("qpn", qp.qpn).
		Str("type", qp.qpType.String()).
		Uint8("port", qp.port.Number()).
		Msg("Queue pair initialized")

	return nil
}

// Number returns the queue pair number.
func (qp *QueuePair) Number() uint32 {
	return qp.qpn
}

// Type returns the transport type of the queue pair.
func (qp *QueuePair) Type() QPType {
	return qp.qpType
}

// Handle returns the verbs handle.
func (qp *QueuePair) Handle() VerbsQP {
	return qp.handle
}

// PostSend posts one signaled send per chunk, carrying Len bytes of it.
func (qp *QueuePair) PostSend(chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	if qp.handle == 0 {
		return errors.New("queue pair not initialized")
	}

	wrs := make([]VerbsSendWR, len(chunks))
	for i, c := range chunks {
		wrs[i] = VerbsSendWR{
			SGList: []VerbsSGE{{
				Addr:   c.Addr(),
				Length: uint32(c.Len()), //nolint:gosec // G115: chunk length bounded by buffer size
				LKey:   c.LKey(),
			}},
			WRID:      c.WRID(),
			Opcode:    SendOpSend,
			SendFlags: SendFlagSignaled,
		}

		if i > 0 {
			wrs[i-1].Next = &wrs[i]
		}
	}

	if err := qp.verbs.PostSend(qp.handle, &wrs[0]); err != nil {
		return fmt.Errorf("%w: %w", ErrPostSend, err)
	}

	return nil
}

// Close destroys the queue pair.
func (qp *QueuePair) Close() error {
	if qp.handle == 0 {
		return nil
	}

	if err := qp.verbs.DestroyQP(qp.handle); err != nil {
		return fmt.Errorf("failed to destroy queue pair: %w", err)
	}

	qp.handle = 0

	return nil
}
