package presence

var palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#FFA07A",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E2",
	"#F8B739",
	"#52B788",
}

// ColorFor picks a stable palette colour for a user id so the same user gets the same cursor colour everywhere.
func ColorFor(userID string) string {
	var hash int32
	for _, r := range userID {
		hash = (hash << 5) - hash + int32(r)
	}
	h := int64(hash)
	if h < 0 {
		h = -h
	}
	return palette[h%int64(len(palette))]
}

// ColorAt returns the i-th palette colour, wrapping around.
func ColorAt(i int) string {
	if i < 0 {
		i = -i
	}
	return palette[i%len(palette)]
}
