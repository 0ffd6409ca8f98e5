package pipeline

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// adjectives and nouns back GenerateKey's human-typable suffix — short,
// easy to read aloud and retype, same spirit as the source's two-word
// pipeline key suffixes.
var adjectives = []string{
	"amber", "brisk", "calm", "dusty", "eager", "fuzzy", "giant", "happy",
	"inky", "jolly", "keen", "lively", "misty", "noble", "odd", "plucky",
	"quick", "rapid", "sunny", "tidy",
}

var nouns = []string{
	"badger", "cedar", "delta", "ember", "finch", "glacier", "heron",
	"inlet", "jasper", "kite", "lagoon", "meadow", "nimbus", "otter",
	"pebble", "quarry", "river", "summit", "thistle", "willow",
}

func randomIndex(n int) int {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(idx.Int64())
}

// GenerateKey produces a fresh pipeline_id for a (profile, plugin)
// pair: "<profile>-<plugin>-<adjective>-<noun>-<NN>" (spec §4.4:
// generate_pipeline_key). The returned prefix is everything before the
// two-digit suffix, used by hosts to offer a datalist of existing
// pipeline keys sharing the same profile/plugin/words.
func GenerateKey(profile, plugin string) (full, prefix, userPart string) {
	word1 := adjectives[randomIndex(len(adjectives))]
	word2 := nouns[randomIndex(len(nouns))]
	n := randomIndex(100)

	userPart = fmt.Sprintf("%s-%s-%02d", word1, word2, n)
	prefix = fmt.Sprintf("%s-%s-%s-%s-", profile, plugin, word1, word2)
	full = fmt.Sprintf("%s-%s-%s", profile, plugin, userPart)
	return full, prefix, userPart
}
