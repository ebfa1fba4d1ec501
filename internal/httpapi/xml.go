package httpapi

import "encoding/xml"

// root is the wire envelope every pairing and launch response uses (spec
// §6 "Responses are XML with a root <root status_code=…> carrying the
// field above").
type root struct {
	XMLName xml.Name `xml:"root"`
	Status  int      `xml:"status_code,attr"`

	PlainCert         string `xml:"plaincert,omitempty"`
	ChallengeResponse string `xml:"challengeresponse,omitempty"`
	PairingSecret     string `xml:"pairingsecret,omitempty"`
	Paired            *int   `xml:"paired,omitempty"`

	SessionURL string `xml:"sessionUrl,omitempty"`
	GameSession int   `xml:"gamesession,omitempty"`
	VideoPort   int   `xml:"videoPort,omitempty"`
	AudioPort   int   `xml:"audioPort,omitempty"`
}

func intPtr(v int) *int { return &v }
