package model

type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Session is the credential material held for one role. The session
// store owns it exclusively: login creates it, renewal replaces it,
// logout or a terminal renewal failure destroys it.
type Session struct {
	Role         Role        `json:"role"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         UserSummary `json:"user"`
}
