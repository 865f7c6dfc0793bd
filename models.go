package main

import (
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Credentials struct {
	Username string `json:"username" gorm:"index"`
	Password string `json:"password"`
}

type PWChangeRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type DBCredentials struct {
	gorm.Model
	Username     string
	PasswordHash string
}

// RegisterRequest is the payload of POST /api/register. The frontend is
// inconsistent about the team name field, so both team_or_nick and
// team_name are accepted. MMR arrives as either a JSON number or a
// string depending on the form widget.
type RegisterRequest struct {
	JoinType         string `json:"join_type"`
	Format           string `json:"format"`
	TeamOrNick       string `json:"team_or_nick"`
	TeamName         string `json:"team_name"`
	PlayerNick       string `json:"player_nick"`
	RosterText       string `json:"roster_text"`
	CaptainInstagram string `json:"captain_instagram"`
	Messenger        string `json:"messenger"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	MMR              any    `json:"mmr"`
	HCaptchaToken    string `json:"h-captcha-response"`
	Honeypot         string `json:"honeypot"`
}

// SoloQueueRecord is one entry in the solo queue file. Records are
// appended for manual team composition later and never read back by the
// registration path itself.
type SoloQueueRecord struct {
	Nick      string   `json:"nick"`
	Instagram string   `json:"instagram,omitempty"`
	Messenger string   `json:"messenger"`
	Email     string   `json:"email,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	MMR       *float64 `json:"mmr"`
	CreatedAt string   `json:"createdAt"`
}

// RegistrationEntry is the audit row written for every accepted
// registration. Failures writing it never fail the registration.
type RegistrationEntry struct {
	gorm.Model
	Kind      string         `json:"kind" gorm:"index"`
	Name      string         `json:"name"`
	Nick      string         `json:"nick"`
	Messenger string         `json:"messenger"`
	Email     string         `json:"email"`
	Phone     string         `json:"phone"`
	MMR       *float64       `json:"mmr"`
	Misc      datatypes.JSON `json:"misc" gorm:"type:json"`
}
