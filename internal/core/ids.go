package core

// RoomID is the presence topic and session namespace of a room visit.
type RoomID string

// ParticipantID is the stable identity of a room occupant. It keys the presence set.
type ParticipantID string

// EndpointID addresses a media endpoint. It changes when the occupant reconnects.
type EndpointID string

func (r RoomID) String() string {
	return string(r)
}

func (p ParticipantID) String() string {
	return string(p)
}

func (e EndpointID) String() string {
	return string(e)
}

// Less is the ordering used to decide which side of a pair originates a call.
func (e EndpointID) Less(other EndpointID) bool {
	return e < other
}
