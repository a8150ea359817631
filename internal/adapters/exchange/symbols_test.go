package exchange

import "testing"

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btc-usdt": "BTC/USDT",
		"BTC_USDT": "BTC/USDT",
		"BTCUSDT":  "BTC/USDT",
		"btc/usdt": "BTC/USDT",
		"ethbtc":   "ETH/BTC",
		"SOLUSDC":  "SOL/USDC",
		"garbage":  UnknownSymbol,
		"":         UnknownSymbol,
		"/USDT":    UnknownSymbol,
	}

	for input, want := range cases {
		if got := NormalizeSymbol(input); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestIsKnownSymbol(t *testing.T) {
	if IsKnownSymbol(UnknownSymbol) {
		t.Error("unknown symbol must not be treated as known")
	}
	if !IsKnownSymbol("BTC/USDT") {
		t.Error("BTC/USDT should be known")
	}
}

func TestClassify(t *testing.T) {
	t.Run("rate limit", func(t *testing.T) {
		err := wrap(KindRateLimit, errTest("too many requests"))
		if Classify(err) != KindRateLimit {
			t.Error("expected rate limit classification")
		}
		if !Retryable(err) {
			t.Error("rate limit errors are retryable")
		}
	})

	t.Run("auth is not retryable", func(t *testing.T) {
		err := errTest("invalid api key")
		if Classify(err) != KindAuth {
			t.Error("expected auth classification")
		}
		if Retryable(err) {
			t.Error("auth errors must not be retried")
		}
	})

	t.Run("unknown defaults to network", func(t *testing.T) {
		if Classify(errTest("boom")) != KindNetwork {
			t.Error("expected network classification for unknown error")
		}
	})
}

type errTest string

func (e errTest) Error() string { return string(e) }
