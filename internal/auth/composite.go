package auth

import "strings"

// maxTokenIndex is the highest digit position of a 32 character token.
const maxTokenIndex = 31

// splice inserts userKey into token at the offset named by the hex digit found
// at token[index]. The offset is clamped to the token length.
func splice(token, userKey string, index int) string {
	offset := spliceOffset(token, index)
	return token[:offset] + userKey + token[offset:]
}

func spliceOffset(token string, index int) int {
	if index < 0 || index >= len(token) {
		return 0
	}
	offset := hexDigit(token[index])
	if offset < 0 {
		offset = 0
	}
	if offset > len(token) {
		offset = len(token)
	}
	return offset
}

// unsplice recovers every token candidate consistent with composite. A
// candidate is consistent when removing userKey at position p yields a token
// whose own digit names p as its splice offset.
func unsplice(composite, userKey string, index, tokenLen int) []string {
	if userKey == "" || len(composite) != tokenLen+len(userKey) {
		return nil
	}

	var candidates []string
	for start := 0; start+len(userKey) <= len(composite); {
		pos := strings.Index(composite[start:], userKey)
		if pos < 0 {
			break
		}
		pos += start
		token := composite[:pos] + composite[pos+len(userKey):]
		if isHexToken(token) && spliceOffset(token, index) == pos {
			candidates = append(candidates, token)
		}
		start = pos + 1
	}
	return candidates
}

func hexDigit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

func isHexToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		if hexDigit(token[i]) < 0 {
			return false
		}
	}
	return true
}

func clampTokenIndex(index int) int {
	if index < 0 {
		return 0
	}
	if index > maxTokenIndex {
		return maxTokenIndex
	}
	return index
}
