package model

// Persona is an avatar the rendering provider can animate.
type Persona struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Gender       string `json:"gender,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	PreviewURL   string `json:"preview_url,omitempty"`
	IsPremium    bool   `json:"is_premium"`
}
