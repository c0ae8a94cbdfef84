package core

import "encoding/json"

// jsonEncode is the default payload codec used when a registration does not
// supply its own. Decoders producing binary account layouts (e.g. Borsh)
// should pass an explicit encode/decode pair instead.
func jsonEncode(v any) ([]byte, error) { return json.Marshal(v) }

func jsonDecode(b []byte, v any) error { return json.Unmarshal(b, v) }
