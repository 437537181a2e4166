package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
)

func ids(vs []domain.Variant) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}

func TestSelect_FollowsTaskSizeOrder(t *testing.T) {
	product := domain.Product{Variants: []domain.Variant{
		{ID: "1", Option1: "8"},
		{ID: "2", Option1: "9"},
		{ID: "3", Option1: "10"},
		{ID: "4", Option1: "9"},
	}}

	got, err := Select(product, []string{"10", "9", "12"}, domain.SizeFromOption1)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2", "4"}, ids(got))
}

func TestSelect_TitleSegment(t *testing.T) {
	product := domain.Product{Variants: []domain.Variant{
		{ID: "1", Title: "M / Black"},
		{ID: "2", Title: "L / Black"},
		{ID: "3", Title: "m / White"},
	}}

	got, err := Select(product, []string{"m"}, domain.SizeFromTitle)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, ids(got))
}

func TestSelect_OtherOptionSlot(t *testing.T) {
	product := domain.Product{Variants: []domain.Variant{
		{ID: "1", Option1: "Black", Option2: "US 9"},
		{ID: "2", Option1: "Black", Option2: "US 10"},
	}}

	got, err := Select(product, []string{"us  10"}, domain.SizeFromOption2)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids(got))
}

func TestSelect_NoMatchingVariant(t *testing.T) {
	product := domain.Product{Handle: "x", Variants: []domain.Variant{{ID: "1", Option1: "S"}}}

	_, err := Select(product, []string{"XL"}, domain.SizeFromOption1)
	assert.ErrorIs(t, err, errpkg.ErrNoMatchingVariant)
	assert.Equal(t, errpkg.KindNoMatch, errpkg.KindOf(err))
}
