package trap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifySyncRecognizesBrkAndSvcImmediates(t *testing.T) {
	esr := uint64(ecBRK64)<<26 | 0xBEEF
	kind, imm := ClassifySync(esr)
	require.Equal(t, KindBrk, kind)
	require.EqualValues(t, 0xBEEF, imm)

	esr = uint64(ecSVC64)<<26 | 7
	kind, imm = ClassifySync(esr)
	require.Equal(t, KindSvc, kind)
	require.EqualValues(t, 7, imm)
}

func TestClassifySyncRecognizesLevel3TranslationFault(t *testing.T) {
	esr := uint64(ecDabtLo)<<26 | faultTranslationL3
	kind, _ := ClassifySync(esr)
	require.Equal(t, KindPageFault, kind)

	esr = uint64(ecIabtLo)<<26 | faultTranslationL3
	kind, _ = ClassifySync(esr)
	require.Equal(t, KindPageFault, kind)
}

func TestClassifySyncTreatsOtherFaultsAsOther(t *testing.T) {
	esr := uint64(ecDabtLo)<<26 | 0b000001 // address size fault, level 1: not translation
	kind, _ := ClassifySync(esr)
	require.Equal(t, KindOther, kind)

	esr = uint64(0x01) << 26 // some unrelated EC
	kind, _ = ClassifySync(esr)
	require.Equal(t, KindOther, kind)
}
