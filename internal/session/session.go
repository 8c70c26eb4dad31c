package session

import "context"

// Session is the explicit state of one request's session: read once at Start
// and written once at Commit.
type Session struct {
	id     string
	values Values

	handler Handler
	jar     CookieJar

	isNew     bool
	destroyed bool
	closed    bool
}

// ID returns the current session identifier.
func (s *Session) ID() string {
	return s.id
}

// Values exposes the live payload; changes are persisted at Commit.
func (s *Session) Values() Values {
	return s.values
}

func (s *Session) Get(key string) any {
	return s.values[key]
}

func (s *Session) Set(key string, value any) {
	s.values.Set(key, value)
}

func (s *Session) Delete(key string) {
	s.values.Delete(key)
}

func (s *Session) Has(key string) bool {
	return s.values.Has(key)
}

func (s *Session) String(key string) string {
	return s.values.String(key)
}

func (s *Session) Bool(key string) bool {
	return s.values.Bool(key)
}

func (s *Session) Int64(key string) (int64, bool) {
	return s.values.Int64(key)
}

// Replace swaps the whole payload, keeping the identifier.
func (s *Session) Replace(values Values) {
	if values == nil {
		values = Values{}
	}
	s.values = values
}

// Clear removes every field.
func (s *Session) Clear() {
	s.values = Values{}
}

// IsNew reports whether the identifier was minted during this request.
func (s *Session) IsNew() bool {
	return s.isNew
}

// Destroyed reports whether the record was deleted during this request.
func (s *Session) Destroyed() bool {
	return s.destroyed
}

// Jar returns the cookie sink attached at Start.
func (s *Session) Jar() CookieJar {
	return s.jar
}

// bind republishes the handler transaction on ctx.
func (s *Session) bind(ctx context.Context) context.Context {
	if binder, ok := s.handler.(Binder); ok {
		return binder.Bind(ctx)
	}
	return ctx
}
