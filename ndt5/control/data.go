package control

import "github.com/m-lab/ndt5-client/metadata"

// ArchivalData is the record of the control channel of one session.
type ArchivalData struct {
	// These data members should all be self-describing. In the event of confusion,
	// rename them to add clarity rather than adding a comment.
	UUID            string
	Protocol        string
	MessageProtocol string
	Downgraded      bool

	ServerVersion string
	ServerType    string
	QueueMessages int

	RequestedTests  string
	NegotiatedTests string
	SuccessfulTests string

	ClientMetadata []metadata.NameValue `json:",omitempty"`
	Error          string               `json:",omitempty"`
}
