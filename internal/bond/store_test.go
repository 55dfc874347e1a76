package bond

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/internal/testutils"
	"github.com/srg/sppctl/internal/testutils/mocks"
)

var (
	first  = stack.MustParseAddress("11:22:33:44:55:66")
	second = stack.MustParseAddress("aa:bb:cc:dd:ee:ff")
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestStore_List(t *testing.T) {
	st := &mocks.MockStack{}
	st.On("BondedDevices").Return([]stack.Address{first, second}, nil).Once()
	h := testutils.NewTestHelper(t)

	addrs, err := NewStore(st, h.Output, h.Logger).List()

	require.NoError(t, err)
	assert.Equal(t, []stack.Address{first, second}, addrs)
	h.AssertText(`
Bonded devices: 2
[Device 0] : 11:22:33:44:55:66
[Device 1] : aa:bb:cc:dd:ee:ff
`)
	st.AssertExpectations(t)
}

func TestStore_ListFailure(t *testing.T) {
	st := &mocks.MockStack{}
	st.On("BondedDevices").Return(nil, errors.New("adapter off")).Once()

	_, err := NewStore(st, nil, quietLogger()).List()

	assert.True(t, stack.IsStackError(err))
}

func TestStore_ForgetAllJoinsErrors(t *testing.T) {
	// GOAL: one failed removal does not stop the others
	//
	// TEST SCENARIO: two bonds, first removal fails -> second still removed, error reported

	st := &mocks.MockStack{}
	st.On("BondedDevices").Return([]stack.Address{first, second}, nil).Once()
	st.On("RemoveBondedDevice", first).Return(errors.New("busy")).Once()
	st.On("RemoveBondedDevice", second).Return(nil).Once()

	removed, err := NewStore(st, nil, quietLogger()).ForgetAll()

	assert.Equal(t, 1, removed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "11:22:33:44:55:66")
	st.AssertExpectations(t)
}

func TestStore_ForgetAllEmpty(t *testing.T) {
	st := &mocks.MockStack{}
	st.On("BondedDevices").Return([]stack.Address{}, nil).Once()

	removed, err := NewStore(st, nil, quietLogger()).ForgetAll()

	assert.NoError(t, err)
	assert.Zero(t, removed)
}
