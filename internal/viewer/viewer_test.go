package viewer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScripted_NavigateEchoes(t *testing.T) {
	v := NewScripted(false)

	var got []string
	v.OnSourceChanged(func(url string) { got = append(got, url) })

	v.Navigate("https://maps.example/@1.0,2.0,3a,75y,45h,90t")
	v.Emit("https://maps.example/@1.1,2.0,3a,75y,50h,90t")

	assert.Equal(t, []string{
		"https://maps.example/@1.0,2.0,3a,75y,45h,90t",
		"https://maps.example/@1.1,2.0,3a,75y,50h,90t",
	}, got)
	assert.Equal(t, []string{"https://maps.example/@1.0,2.0,3a,75y,45h,90t"}, v.History())
}

func TestScripted_Unsubscribe(t *testing.T) {
	v := NewScripted(false)

	calls := 0
	unsubscribe := v.OnSourceChanged(func(string) { calls++ })
	v.Emit("a")
	unsubscribe()
	v.Emit("b")

	assert.Equal(t, 1, calls)
}

func TestScripted_Async(t *testing.T) {
	v := NewScripted(true)

	var mu sync.Mutex
	var got []string
	v.OnSourceChanged(func(url string) {
		mu.Lock()
		got = append(got, url)
		mu.Unlock()
	})

	v.Navigate("a")
	v.Navigate("b")
	v.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}
