package core

// CallMetadata travels with an offer so the callee can label the session
// before the roster catches up.
type CallMetadata struct {
	ParticipantID ParticipantID `json:"participant_id"`
	DisplayName   string        `json:"username"`
}
