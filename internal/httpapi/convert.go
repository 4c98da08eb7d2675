package httpapi

import (
	"ptt/server/internal/protocol"
	"ptt/server/internal/transmission"
)

func toTransmissionSummary(summary transmission.Summary) *protocol.TransmissionSummary {
	return &protocol.TransmissionSummary{
		SessionID:         summary.SessionID,
		ChannelUUID:       summary.ChannelUUID,
		OwnerUserID:       summary.OwnerUserID,
		AudioFormat:       summary.AudioFormat,
		IsEmergency:       summary.IsEmergency,
		StartedAt:         summary.StartedAt,
		EndedAt:           summary.EndedAt,
		DurationMS:        summary.DurationMS,
		TotalChunks:       summary.ChunksCount,
		TotalBytes:        summary.TotalBytes,
		TerminationReason: summary.TerminationReason,
	}
}
