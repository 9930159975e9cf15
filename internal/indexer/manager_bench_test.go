package indexer

import (
	"context"
	"fmt"
	"testing"

	"github.com/econaxis/imgrepo/internal/indexer/termindex"
)

var benchTerms = []string{"ALPINE", "MEADOW", "LAKE", "WATERMELON", "GLACIER", "RIDGE", "FOREST", "HARBOR"}

func benchCaption(i int) []byte {
	n := len(benchTerms)
	return []byte(fmt.Sprintf("%s %s NEAR THE %s", benchTerms[i%n], benchTerms[(i+2)%n], benchTerms[(i+5)%n]))
}

func openBenchManager(b *testing.B, preload int) *Manager {
	b.Helper()
	backend, err := termindex.Open(b.TempDir(), termindex.WithCodec(termindex.CodecLZ4))
	if err != nil {
		b.Fatal(err)
	}
	m, err := Open(testConfig(), backend)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { m.Close() })
	for i := 0; i < preload; i++ {
		if _, err := m.Append(benchCaption(i)); err != nil {
			b.Fatal(err)
		}
	}
	if preload > 0 {
		if err := m.Flush(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
	return m
}

func BenchmarkManagerAppend(b *testing.B) {
	m := openBenchManager(b, 0)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Append(benchCaption(i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkManagerFlush(b *testing.B) {
	for _, preload := range []int{100, 5000} {
		b.Run(fmt.Sprintf("main_%d", preload), func(b *testing.B) {
			m := openBenchManager(b, preload)
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				for j := 0; j < 100; j++ {
					if _, err := m.Append(benchCaption(j)); err != nil {
						b.Fatal(err)
					}
				}
				b.StartTimer()
				if err := m.Flush(ctx); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkManagerSearch(b *testing.B) {
	m := openBenchManager(b, 10000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.SearchTerms([]string{benchTerms[i%len(benchTerms)]}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkManagerSearchParallel(b *testing.B) {
	m := openBenchManager(b, 10000)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := m.SearchTerms([]string{benchTerms[i%len(benchTerms)], "LAKE"}); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}
