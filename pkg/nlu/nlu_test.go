package nlu

import "testing"

func TestExtractFormat(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"quero um vídeo institucional", FormatInstitucional},
		{"Institucional", FormatInstitucional},
		{"era 3D", Format3DIA},
		{"animação 3-D", Format3DIA},
		{"pode ser 3d/ia", Format3DIA},
		{"IA 3D", Format3DIA},
		{"video de produto", FormatProduto},
		{"apresentação de produtos", FormatProduto},
		{"um tutorial", FormatEducativo},
		{"treinamento interno", FormatEducativo},
		{"convite de casamento", FormatConvite},
		{"uma homenagem pro meu pai", FormatHomenagem},
		{"tributo", FormatHomenagem},
		{"oi tudo bem", ""},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := ExtractFormat(tc.in); got != tc.want {
			t.Errorf("ExtractFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractFormatStripsNoisePrefix(t *testing.T) {
	cases := map[string]string{
		"era produto":        FormatProduto,
		"quero educativo":    FormatEducativo,
		"acho que homenagem": FormatHomenagem,
		"seria convite":      FormatConvite,
	}
	for in, want := range cases {
		if got := ExtractFormat(in); got != want {
			t.Errorf("ExtractFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := normalize("Animação  3–D"); got != "animacao 3-d" {
		t.Fatalf("normalize: got %q", got)
	}
}
