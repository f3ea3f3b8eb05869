package pipeline

import "strconv"

// buildEncodeArgs constructs the ffmpeg argument list for the encode
// step: explicit input/output, one video stream mapping, no surprise
// defaults.
func buildEncodeArgs(inputPath, outputPath, encoder string, resolutionHeight, maxBitrateKbps int) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-i", inputPath,
	}

	if resolutionHeight > 0 {
		args = append(args, "-vf", "scale=-2:"+strconv.Itoa(resolutionHeight))
	}

	args = append(args, "-c:v", encoder)

	if maxBitrateKbps > 0 {
		args = append(args, "-b:v", strconv.Itoa(maxBitrateKbps)+"k")
	}

	args = append(args,
		"-c:a", "aac",
		"-b:a", "128k",
		outputPath,
	)

	return args
}
