package domain

import (
	"encoding/json"
	"errors"
)

// IceServer is one STUN/TURN descriptor as served by /api/ice-servers.
type IceServer struct {
	URLs           URLList `json:"urls"`
	Username       string  `json:"username,omitempty"`
	Credential     string  `json:"credential,omitempty"`
	CredentialType string  `json:"credentialType,omitempty"`
}

// URLList accepts either a single URL string or an array of them.
type URLList []string

func (u *URLList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = URLList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("urls: want string or array of strings")
	}
	*u = many
	return nil
}

// IceServerSet is what a peer connection is built with.
type IceServerSet struct {
	Servers           []IceServer `json:"iceServers"`
	TransportPolicy   string      `json:"iceTransportPolicy,omitempty"`
	CandidatePoolSize uint8       `json:"iceCandidatePoolSize,omitempty"`
}

func (s IceServerSet) Empty() bool {
	for _, srv := range s.Servers {
		if len(srv.URLs) > 0 {
			return false
		}
	}
	return true
}

// StaticIceServers is the compiled-in fallback.
var StaticIceServers = IceServerSet{
	Servers: []IceServer{
		{URLs: URLList{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		}},
	},
	TransportPolicy:   "all",
	CandidatePoolSize: 10,
}
