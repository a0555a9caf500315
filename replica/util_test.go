package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackListOrder(t *testing.T) {
	callbackList := NewCallbackList[func() string]()
	aId := callbackList.Add(func() string { return "a" })
	callbackList.Add(func() string { return "b" })
	cId := callbackList.Add(func() string { return "c" })

	values := func() []string {
		out := []string{}
		for _, callback := range callbackList.Get() {
			out = append(out, callback())
		}
		return out
	}
	assert.Equal(t, values(), []string{"a", "b", "c"})
	assert.Equal(t, callbackList.Len(), 3)

	callbackList.Remove(aId)
	assert.Equal(t, values(), []string{"b", "c"})

	// remove is idempotent
	callbackList.Remove(aId)
	assert.Equal(t, callbackList.Len(), 2)

	callbackList.Remove(cId)
	assert.Equal(t, values(), []string{"b"})
}

func TestCallbackListRemoveDuringIterate(t *testing.T) {
	callbackList := NewCallbackList[func()]()
	calls := []string{}
	var unsubB func()
	callbackList.Add(func() {
		calls = append(calls, "a")
		unsubB()
	})
	bId := callbackList.Add(func() {
		calls = append(calls, "b")
	})
	unsubB = func() {
		callbackList.Remove(bId)
	}

	// the snapshot taken by Get still runs b on the first pass
	for _, callback := range callbackList.Get() {
		callback()
	}
	assert.Equal(t, calls, []string{"a", "b"})

	for _, callback := range callbackList.Get() {
		callback()
	}
	assert.Equal(t, calls, []string{"a", "b", "a"})
}

func TestCopyRawData(t *testing.T) {
	original := map[string]any{
		"Stats": map[string]any{"Hp": 40},
		"Items": []any{"A", map[string]any{"Slot": 1}},
	}
	copied := copyRawData(original).(map[string]any)
	copied["Stats"].(map[string]any)["Hp"] = 1
	copied["Items"].([]any)[0] = "Z"

	assert.Equal(t, original["Stats"].(map[string]any)["Hp"], 40)
	assert.Equal(t, original["Items"].([]any)[0], "A")
}

func TestValueChanged(t *testing.T) {
	assert.Equal(t, valueChanged(1, 1), false)
	assert.Equal(t, valueChanged(1, 2), true)
	assert.Equal(t, valueChanged(nil, 1), true)
	assert.Equal(t, valueChanged("a", "a"), false)

	// tables always count as changed, even the same reference
	table := map[string]any{}
	assert.Equal(t, valueChanged(table, table), true)
	assert.Equal(t, valueChanged(nil, []any{}), true)
}

func TestSameValue(t *testing.T) {
	assert.Equal(t, sameValue(1, 1), true)
	assert.Equal(t, sameValue(1, 2), false)

	table := map[string]any{}
	assert.Equal(t, sameValue(table, table), true)
	assert.Equal(t, sameValue(table, map[string]any{}), false)
	assert.Equal(t, sameValue(table, 1), false)
}
